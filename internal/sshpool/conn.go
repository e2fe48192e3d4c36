package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sshConn wraps an ssh.Client with a lazily opened SFTP session.
type sshConn struct {
	client *ssh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

// Dial opens an SSH connection using the key file when set, else the password.
func Dial(ctx context.Context, ep Endpoint, timeout time.Duration) (Conn, error) {
	auth, err := authMethods(ep)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

func authMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if ep.KeyPath != "" {
		pem, err := os.ReadFile(ep.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", ep.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", ep.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		methods = append(methods, ssh.Password(ep.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credential configured")
	}
	return methods, nil
}

func (c *sshConn) Run(ctx context.Context, cmd string) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, err
}

func (c *sshConn) SendKeepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *sshConn) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	c.sftp = client
	return client, nil
}

func (c *sshConn) Close() error {
	c.mu.Lock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	c.mu.Unlock()
	return c.client.Close()
}
