// Package sshpool caches SSH connections per endpoint and runs remote
// commands and file transfers over them.
package sshpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"

	"lora_pipeline/internal/metrics"
)

const healthCheckTimeout = 3 * time.Second

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("ssh pool closed")

// Endpoint identifies a remote shell account.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
}

// Key returns the cache key. Credentials are hashed so the key can be logged.
func (e Endpoint) Key() string {
	sum := sha256.Sum256([]byte(e.KeyPath + "\x00" + e.Password))
	return fmt.Sprintf("%s@%s:%d#%s", e.User, e.Host, e.Port, hex.EncodeToString(sum[:6]))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.User, e.Host, e.Port)
}

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Conn is a live remote shell handle.
type Conn interface {
	Run(ctx context.Context, cmd string) (Result, error)
	SendKeepalive() error
	SFTP() (*sftp.Client, error)
	Close() error
}

// DialFunc opens a connection to an endpoint.
type DialFunc func(ctx context.Context, ep Endpoint, timeout time.Duration) (Conn, error)

// Options 连接池参数
type Options struct {
	DialTimeout         time.Duration
	CommandTimeout      time.Duration
	Keepalive           time.Duration
	IdleTimeout         time.Duration
	SweepInterval       time.Duration
	TransferConcurrency int
}

// DefaultOptions returns the pool defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout:         10 * time.Second,
		CommandTimeout:      60 * time.Second,
		Keepalive:           30 * time.Second,
		IdleTimeout:         600 * time.Second,
		SweepInterval:       300 * time.Second,
		TransferConcurrency: 4,
	}
}

type entry struct {
	conn     Conn
	lastUsed time.Time
	stop     chan struct{}
}

// Pool is the process-wide SSH connection cache. Construct one and share it.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	opts    Options
	dial    DialFunc
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithDialer replaces the SSH dialer.
func WithDialer(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

// WithClock replaces the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMetrics records pool activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a pool. Call Start to run the idle sweep.
func New(opts Options, log *logrus.Entry, options ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		entries: make(map[string]*entry),
		opts:    opts,
		dial:    Dial,
		log:     log.WithField("component", "sshpool"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Start runs the background idle sweep.
func (p *Pool) Start() {
	if p.opts.SweepInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := p.Sweep(); n > 0 {
					p.log.Infof("Evicted %d idle connections", n)
				}
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Get returns a healthy cached connection for ep, dialing a new one when the
// cached one is missing, idle past the timeout, or fails the health check.
func (p *Pool) Get(ctx context.Context, ep Endpoint) (Conn, error) {
	key := ep.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if e, ok := p.entries[key]; ok {
		switch {
		case p.now().Sub(e.lastUsed) > p.opts.IdleTimeout:
			p.log.WithField("endpoint", ep.String()).Debug("Cached connection idle too long, reconnecting")
			p.evictLocked(key, e)
		case !healthy(ctx, e.conn):
			p.log.WithField("endpoint", ep.String()).Warn("Cached connection failed health check, reconnecting")
			p.evictLocked(key, e)
		default:
			e.lastUsed = p.now()
			return e.conn, nil
		}
	}

	conn, err := p.dial(ctx, ep, p.opts.DialTimeout)
	p.metrics.Dial(err)
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", ep, err)
	}

	e := &entry{conn: conn, lastUsed: p.now(), stop: make(chan struct{})}
	p.entries[key] = e
	p.metrics.SetPooled(len(p.entries))
	p.startKeepalive(key, e)

	p.log.WithField("endpoint", ep.String()).Info("SSH connection established")
	return conn, nil
}

func healthy(ctx context.Context, conn Conn) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	res, err := conn.Run(ctx, "echo ping")
	return err == nil && res.ExitCode == 0 && strings.Contains(res.Stdout, "ping")
}

func (p *Pool) startKeepalive(key string, e *entry) {
	if p.opts.Keepalive <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.conn.SendKeepalive(); err != nil {
					p.log.WithError(err).Warn("Keepalive failed, dropping connection")
					p.evict(key, e)
					return
				}
			case <-e.stop:
				return
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// evict removes e if it is still the cached entry for key.
func (p *Pool) evict(key string, e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[key]; ok && cur == e {
		p.evictLocked(key, e)
	}
}

func (p *Pool) evictLocked(key string, e *entry) {
	delete(p.entries, key)
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	if err := e.conn.Close(); err != nil {
		p.log.WithError(err).Debug("Close evicted connection")
	}
	p.metrics.SetPooled(len(p.entries))
}

// Invalidate drops the cached connection for ep, if any.
func (p *Pool) Invalidate(ep Endpoint) {
	key := ep.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		p.evictLocked(key, e)
	}
}

// Sweep evicts connections idle past the timeout and returns how many it closed.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for key, e := range p.entries {
		if p.now().Sub(e.lastUsed) > p.opts.IdleTimeout {
			p.evictLocked(key, e)
			n++
		}
	}
	return n
}

// Len returns the number of cached connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the background goroutines and closes every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for key, e := range p.entries {
		p.evictLocked(key, e)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Run executes cmd on ep. A transport failure drops the cached connection;
// a non-zero exit code is reported in Result, not as an error.
func (p *Pool) Run(ctx context.Context, ep Endpoint, cmd string) (Result, error) {
	conn, err := p.Get(ctx, ep)
	if err != nil {
		return Result{}, err
	}
	if p.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.CommandTimeout)
		defer cancel()
	}
	res, err := conn.Run(ctx, cmd)
	if err != nil {
		p.Invalidate(ep)
		return res, fmt.Errorf("ssh run on %s: %w", ep, err)
	}
	return res, nil
}

// Ping checks that ep accepts commands.
func (p *Pool) Ping(ctx context.Context, ep Endpoint) error {
	res, err := p.Run(ctx, ep, "echo ping")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "ping") {
		return fmt.Errorf("unexpected ping reply from %s: exit=%d stdout=%q", ep, res.ExitCode, res.Stdout)
	}
	return nil
}

// ClearDir removes the contents of dir on ep, keeping dir itself.
func (p *Pool) ClearDir(ctx context.Context, ep Endpoint, dir string) error {
	if dir == "" || dir == "/" {
		return fmt.Errorf("refusing to clear %q", dir)
	}
	res, err := p.Run(ctx, ep, fmt.Sprintf("mkdir -p %s && rm -rf %s/*", shellQuote(dir), shellQuote(dir)))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clear %s: exit %d: %s", dir, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
