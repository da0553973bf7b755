package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/clock"
	"github.com/matheus3301/parley/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	in     chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	pings   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu       sync.Mutex
	results  []error
	fallback error
	block    chan struct{}
	calls    int
	conns    []*fakeConn
	tokens   []string
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	d.tokens = append(d.tokens, token)
	err := d.fallback
	if i < len(d.results) {
		err = d.results[i]
	}
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestManager(t *testing.T, d *fakeDialer, opts Options) (*Manager, *clock.Fake, *bus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := bus.New()
	opts.Endpoint = "ws://chat.test/ws"
	opts.Clock = clk
	m := NewManager(opts, d, status.NewMachine(b), b, nil)
	t.Cleanup(m.Disconnect)
	return m, clk, b
}

func waitState(t *testing.T, m *Manager, want status.State, attempt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := m.State()
		return s.To == want && s.Attempt == attempt
	}, wait, tick, "want %s attempt %d, have %+v", want, attempt, m.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	m, _, _ := newTestManager(t, d, Options{MaxReconnectAttempts: 5})

	m.Connect("tok")
	m.Connect("tok")
	assert.Equal(t, status.Connecting, m.State().To)

	close(d.block)
	waitState(t, m, status.Connected, 0)

	m.Connect("tok")
	assert.Equal(t, 1, d.callCount())
	assert.Equal(t, 1, m.Dials())
}

func TestBoundedRetryReachesClosed(t *testing.T) {
	d := &fakeDialer{fallback: errors.New("connection refused")}
	m, clk, _ := newTestManager(t, d, Options{MaxReconnectAttempts: 3})

	m.Connect("tok")
	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		waitState(t, m, status.Reconnecting, i+1)
		require.Equal(t, i+1, d.callCount())

		clk.Advance(delay - time.Millisecond)
		assert.Equal(t, i+1, d.callCount(), "redialed before backoff elapsed")
		clk.Advance(time.Millisecond)
	}

	require.Eventually(t, func() bool { return m.State().To == status.Closed }, wait, tick)
	assert.Equal(t, status.ReasonAttemptsExhausted, m.State().Reason)
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 4, d.callCount())
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	d := &fakeDialer{fallback: fmt.Errorf("%w: handshake status 401", ErrAuthRejected)}
	m, clk, _ := newTestManager(t, d, Options{MaxReconnectAttempts: 5})

	m.Connect("expired")
	require.Eventually(t, func() bool { return m.State().To == status.Closed }, wait, tick)

	s := m.State()
	assert.Equal(t, status.ReasonAuthRejected, s.Reason)
	assert.True(t, s.NeedsReauth())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 1, d.callCount())
}

func TestAuthCloseOnOpenConnectionIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m, clk, _ := newTestManager(t, d, Options{MaxReconnectAttempts: 5})

	m.Connect("tok")
	waitState(t, m, status.Connected, 0)

	d.conn(0).fail <- fmt.Errorf("%w: close 4401", ErrAuthRejected)
	require.Eventually(t, func() bool { return m.State().To == status.Closed }, wait, tick)
	assert.True(t, m.State().NeedsReauth())
	assert.Equal(t, 0, clk.Pending())
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	d := &fakeDialer{fallback: errors.New("network unreachable")}
	m, clk, _ := newTestManager(t, d, Options{MaxReconnectAttempts: 5})

	m.Connect("tok")
	waitState(t, m, status.Reconnecting, 1)

	m.Disconnect()
	s := m.State()
	assert.Equal(t, status.Closed, s.To)
	assert.Equal(t, status.ReasonRequested, s.Reason)
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, d.callCount())
}

func TestDisconnectDiscardsInFlightDial(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	m, _, _ := newTestManager(t, d, Options{MaxReconnectAttempts: 5})

	m.Connect("tok")
	require.Eventually(t, func() bool { return d.callCount() == 1 }, wait, tick)
	m.Disconnect()
	close(d.block)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, status.Closed, m.State().To)
	assert.False(t, m.Send([]byte("x")))
}

func TestDropReconnectsAndResetsAttempt(t *testing.T) {
	d := &fakeDialer{}
	m, clk, b := newTestManager(t, d, Options{MaxReconnectAttempts: 5})
	opened, unsub := b.Subscribe(bus.KindConnectionOpened, 8)
	defer unsub()

	m.Connect("tok")
	waitState(t, m, status.Connected, 0)
	<-opened

	d.conn(0).fail <- errors.New("connection reset by peer")
	waitState(t, m, status.Reconnecting, 1)

	clk.Advance(time.Second)
	waitState(t, m, status.Connected, 0)
	assert.Equal(t, 2, d.callCount())

	select {
	case <-opened:
	case <-time.After(wait):
		t.Fatal("expected a second opened event")
	}
}

func TestConnectAfterClosedStartsOver(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, Options{})

	m.Connect("first")
	waitState(t, m, status.Connected, 0)
	m.Disconnect()
	require.Equal(t, status.Closed, m.State().To)

	m.Connect("second")
	waitState(t, m, status.Connected, 0)
	assert.Equal(t, []string{"first", "second"}, d.tokens)
}

func TestSendAndReceive(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var got [][]byte
	m, _, _ := newTestManager(t, d, Options{OnFrame: func(f []byte) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}})

	assert.False(t, m.Send([]byte("early")), "send without a connection")

	m.Connect("tok")
	waitState(t, m, status.Connected, 0)

	require.True(t, m.Send([]byte(`{"type":"message"}`)))
	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.writtenFrames()) == 1 }, wait, tick)

	conn.in <- []byte("one")
	conn.in <- []byte("two")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, wait, tick)
	assert.Equal(t, "one", string(got[0]))
	assert.Equal(t, "two", string(got[1]))
}

func TestKeepalivePings(t *testing.T) {
	d := &fakeDialer{}
	m, clk, _ := newTestManager(t, d, Options{PingInterval: 25 * time.Second})

	m.Connect("tok")
	waitState(t, m, status.Connected, 0)
	conn := d.conn(0)

	clk.Advance(25 * time.Second)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.pings == 1
	}, wait, tick)

	m.Disconnect()
	assert.Equal(t, 0, clk.Pending())
}
