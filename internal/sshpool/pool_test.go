package sshpool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id           int
	unhealthy    atomic.Bool
	keepaliveErr atomic.Bool
	closed       atomic.Bool
	failCommands atomic.Bool
}

func (c *fakeConn) Run(ctx context.Context, cmd string) (Result, error) {
	if c.unhealthy.Load() {
		return Result{}, io.EOF
	}
	if cmd == "echo ping" {
		return Result{Stdout: "ping\n"}, nil
	}
	if c.failCommands.Load() {
		return Result{}, io.ErrUnexpectedEOF
	}
	return Result{Stdout: cmd}, nil
}

func (c *fakeConn) SendKeepalive() error {
	if c.keepaliveErr.Load() {
		return errors.New("broken pipe")
	}
	return nil
}

func (c *fakeConn) SFTP() (*sftp.Client, error) { return nil, errors.New("no sftp") }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(_ context.Context, _ Endpoint, _ time.Duration) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: len(d.conns) + 1}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, opts Options) (*Pool, *fakeDialer, *fakeClock) {
	t.Helper()
	d := &fakeDialer{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := logrus.New()
	log.SetOutput(io.Discard)
	p := New(opts, logrus.NewEntry(log), WithDialer(d.dial), WithClock(clock.Now))
	t.Cleanup(p.Close)
	return p, d, clock
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Keepalive = 0
	opts.SweepInterval = 0
	return opts
}

var ep = Endpoint{Host: "10.0.0.5", Port: 22, User: "root", Password: "secret"}

func TestPool_ReusesConnectionWithinIdleTimeout(t *testing.T) {
	p, d, clock := newTestPool(t, testOptions())
	ctx := context.Background()

	first, err := p.Get(ctx, ep)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	second, err := p.Get(ctx, ep)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, p.Len())
}

func TestPool_CredentialIsPartOfKey(t *testing.T) {
	p, d, _ := newTestPool(t, testOptions())
	ctx := context.Background()

	_, err := p.Get(ctx, ep)
	require.NoError(t, err)
	other := ep
	other.Password = "another"
	_, err = p.Get(ctx, other)
	require.NoError(t, err)

	assert.Equal(t, 2, d.count())
	assert.NotEqual(t, ep.Key(), other.Key())
	assert.NotContains(t, ep.Key(), "secret")
}

func TestPool_ReconnectsAfterIdleTimeout(t *testing.T) {
	p, d, clock := newTestPool(t, testOptions())
	ctx := context.Background()

	first, err := p.Get(ctx, ep)
	require.NoError(t, err)
	clock.Advance(601 * time.Second)
	second, err := p.Get(ctx, ep)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, d.count())
	assert.True(t, d.conns[0].closed.Load())
	assert.False(t, d.conns[1].closed.Load())
}

func TestPool_ReconnectsAfterFailedHealthCheck(t *testing.T) {
	p, d, _ := newTestPool(t, testOptions())
	ctx := context.Background()

	_, err := p.Get(ctx, ep)
	require.NoError(t, err)
	d.conns[0].unhealthy.Store(true)

	conn, err := p.Get(ctx, ep)
	require.NoError(t, err)
	assert.Same(t, d.conns[1], conn)
	assert.True(t, d.conns[0].closed.Load())
}

func TestPool_SweepEvictsIdle(t *testing.T) {
	p, d, clock := newTestPool(t, testOptions())
	ctx := context.Background()

	_, err := p.Get(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Sweep())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, 0, p.Len())
	assert.True(t, d.conns[0].closed.Load())
}

func TestPool_KeepaliveFailureDropsConnection(t *testing.T) {
	opts := testOptions()
	opts.Keepalive = 5 * time.Millisecond
	p, d, _ := newTestPool(t, opts)

	_, err := p.Get(context.Background(), ep)
	require.NoError(t, err)
	d.conns[0].keepaliveErr.Store(true)

	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, d.conns[0].closed.Load())
}

func TestPool_RunTransportErrorInvalidates(t *testing.T) {
	p, d, _ := newTestPool(t, testOptions())
	ctx := context.Background()

	res, err := p.Run(ctx, ep, "ls /workspace")
	require.NoError(t, err)
	assert.Equal(t, "ls /workspace", res.Stdout)

	d.conns[0].failCommands.Store(true)
	_, err = p.Run(ctx, ep, "ls /workspace")
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, 0, p.Len())
	assert.True(t, d.conns[0].closed.Load())
}

func TestPool_DialError(t *testing.T) {
	p, d, _ := newTestPool(t, testOptions())
	d.err = errors.New("connection refused")

	_, err := p.Get(context.Background(), ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, p.Len())
}

func TestPool_Ping(t *testing.T) {
	p, _, _ := newTestPool(t, testOptions())
	assert.NoError(t, p.Ping(context.Background(), ep))
}

func TestPool_ClosedRejectsGet(t *testing.T) {
	p, d, _ := newTestPool(t, testOptions())
	_, err := p.Get(context.Background(), ep)
	require.NoError(t, err)

	p.Close()
	assert.True(t, d.conns[0].closed.Load())
	_, err = p.Get(context.Background(), ep)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/a b'`, shellQuote("/a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
