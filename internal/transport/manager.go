package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/clock"
	"github.com/matheus3301/parley/internal/status"
	"go.uber.org/zap"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultInitialDelay         = time.Second
	DefaultMaxDelay             = 30 * time.Second
	defaultDialTimeout          = 15 * time.Second
	defaultQueueSize            = 64
)

// Options configures a Manager.
type Options struct {
	Endpoint string
	// MaxReconnectAttempts caps consecutive reconnects after a failure.
	// Zero disables reconnecting.
	MaxReconnectAttempts int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	PingInterval         time.Duration
	DialTimeout          time.Duration
	QueueSize            int
	Clock                clock.Clock
	// OnFrame receives every inbound frame, in receipt order, from the
	// connection's read goroutine.
	OnFrame func([]byte)
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// Manager owns the lifecycle of the session connection. Transport failures
// never surface from its methods; they are published on the bus and drive
// the status machine.
type Manager struct {
	opts    Options
	dialer  Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	token      string
	gen        uint64 // bumped by Connect and Disconnect to orphan stale work
	active     *link
	cancelDial context.CancelFunc
	retry      clock.Timer
	attempt    int
	backoff    *backoff.ExponentialBackOff
	dials      int
}

type link struct {
	conn    Conn
	out     chan []byte
	pingReq chan struct{}
	done    chan struct{}
	ping    clock.Timer
	once    sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// NewManager creates a Manager. The machine must be in Disconnected.
func NewManager(opts Options, dialer Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     opts.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		machine: machine,
		bus:     b,
		logger:  logger,
		backoff: bo,
	}
}

// Connect starts connecting with token. It returns immediately; the outcome
// is observable through the status machine. Calling it while connecting,
// connected or reconnecting does nothing. After Closed it starts over.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.machine.Current() {
	case status.Connecting, status.Connected, status.Reconnecting:
		return
	case status.Closed:
		if err := m.machine.Transition(status.Disconnected, status.ReasonNone); err != nil {
			m.logger.Error("reset connection state", zap.Error(err))
			return
		}
	}

	m.token = token
	m.gen++
	m.attempt = 0
	m.backoff.Reset()
	if err := m.machine.Transition(status.Connecting, status.ReasonNone); err != nil {
		m.logger.Error("enter connecting", zap.Error(err))
		return
	}
	m.logger.Info("connecting", zap.String("endpoint", m.opts.Endpoint))
	m.dialLocked()
}

// Disconnect closes the connection and cancels any pending dial or
// reconnect. No reconnect happens until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if l := m.active; l != nil {
		m.active = nil
		m.dropLinkLocked(l)
		m.publish(bus.KindConnectionClosed, ClosedEvent{Requested: true})
	}

	switch m.machine.Current() {
	case status.Connecting, status.Connected, status.Reconnecting:
		m.logger.Info("disconnected by request")
		if err := m.machine.Transition(status.Closed, status.ReasonRequested); err != nil {
			m.logger.Error("enter closed", zap.Error(err))
		}
	}
}

// Send queues frame on the open connection. It reports false when there is
// no open connection or its write queue is full.
func (m *Manager) Send(frame []byte) bool {
	m.mu.Lock()
	l := m.active
	m.mu.Unlock()
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.out <- frame:
		return true
	default:
		m.logger.Warn("write queue full, frame not sent")
		return false
	}
}

// State returns the current connection state.
func (m *Manager) State() status.StatusChange {
	return m.machine.Snapshot()
}

// Dials reports how many transport dials have been started.
func (m *Manager) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func (m *Manager) dialLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel
	m.dials++
	go m.dial(ctx, cancel, m.gen, m.token)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, token string) {
	conn, err := m.dialer.Dial(ctx, m.opts.Endpoint, token)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		m.logger.Warn("dial failed", zap.Int("attempt", m.attempt), zap.Error(err))
		m.failLocked(err)
		return
	}
	m.openLocked(conn)
}

func (m *Manager) openLocked(conn Conn) {
	l := &link{
		conn:    conn,
		out:     make(chan []byte, m.opts.QueueSize),
		pingReq: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.active = l
	m.attempt = 0
	m.backoff.Reset()

	go m.readLoop(l)
	go m.writeLoop(l)
	m.schedulePingLocked(l)

	if err := m.machine.Transition(status.Connected, status.ReasonNone); err != nil {
		m.logger.Error("enter connected", zap.Error(err))
	}
	m.logger.Info("connected", zap.String("endpoint", m.opts.Endpoint))
	m.publish(bus.KindConnectionOpened, nil)
}

// failLocked handles a failed dial or a lost connection.
func (m *Manager) failLocked(err error) {
	m.publish(bus.KindConnectionError, ErrorEvent{Err: err, Attempt: m.attempt})

	if errors.Is(err, ErrAuthRejected) {
		m.logger.Error("token rejected, not reconnecting", zap.Error(err))
		m.closeLocked(status.ReasonAuthRejected)
		return
	}
	if m.attempt >= m.opts.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted",
			zap.Int("max_attempts", m.opts.MaxReconnectAttempts), zap.Error(err))
		m.closeLocked(status.ReasonAttemptsExhausted)
		return
	}

	m.attempt++
	delay := m.backoff.NextBackOff()
	gen := m.gen
	m.retry = m.opts.Clock.AfterFunc(delay, func() { m.redial(gen) })
	if err := m.machine.Retrying(m.attempt, status.ReasonTransportError); err != nil {
		m.logger.Error("enter reconnecting", zap.Error(err))
		m.retry.Stop()
		m.retry = nil
		return
	}
	m.logger.Info("reconnect scheduled", zap.Int("attempt", m.attempt), zap.Duration("delay", delay))
}

func (m *Manager) closeLocked(reason status.Reason) {
	m.gen++
	if err := m.machine.Transition(status.Closed, reason); err != nil {
		m.logger.Error("enter closed", zap.Error(err))
	}
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.retry = nil
	m.dialLocked()
}

func (m *Manager) readLoop(l *link) {
	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			m.linkDown(l, err)
			return
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(frame)
		}
	}
}

func (m *Manager) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.out:
			if err := l.conn.WriteFrame(frame); err != nil {
				m.linkDown(l, err)
				return
			}
		case <-l.pingReq:
			if err := l.conn.Ping(); err != nil {
				m.linkDown(l, err)
				return
			}
		}
	}
}

// linkDown handles the failure of l. Failures of links that are no longer
// current are ignored.
func (m *Manager) linkDown(l *link, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != l {
		return
	}
	m.active = nil
	m.dropLinkLocked(l)
	m.logger.Warn("connection lost", zap.Error(err))
	m.publish(bus.KindConnectionClosed, ClosedEvent{Err: err})
	m.failLocked(err)
}

func (m *Manager) dropLinkLocked(l *link) {
	if l.ping != nil {
		l.ping.Stop()
		l.ping = nil
	}
	l.close()
}

func (m *Manager) schedulePingLocked(l *link) {
	if m.opts.PingInterval <= 0 {
		return
	}
	l.ping = m.opts.Clock.AfterFunc(m.opts.PingInterval, func() {
		select {
		case l.pingReq <- struct{}{}:
		default:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active == l {
			m.schedulePingLocked(l)
		}
	})
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: m.opts.Clock.Now(), Payload: payload})
}
