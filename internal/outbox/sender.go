// Package outbox tracks optimistic sends from submission until the server
// confirms them or the pending-send timeout expires.
package outbox

import (
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/clock"
	"github.com/matheus3301/parley/internal/conversation"
	"github.com/matheus3301/parley/internal/protocol"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

var (
	ErrSendTimeout = errors.New("no acknowledgement before timeout")
	ErrStopped     = errors.New("outbox stopped")
	ErrInFlight    = errors.New("message is already in flight")
)

// Transport hands encoded frames to the connection. Send reports false when
// the frame could not be queued.
type Transport interface {
	Send(frame []byte) bool
}

// Ledger is the part of the conversation store the outbox drives.
type Ledger interface {
	RecordOptimisticSend(conversationID, text string) (string, error)
	MarkFailed(correlationID string) error
	Retry(correlationID string) (conversation.Message, error)
}

// Journal persists the lifecycle of each send.
type Journal interface {
	QueueOutbox(correlationID, conversationID, body string) error
	MarkOutboxWritten(correlationID string) error
	MarkOutboxSent(correlationID string) error
	MarkOutboxFailed(correlationID, reason string) error
}

// Observer is told how each send ended and how long it took.
type Observer interface {
	SendResolved(outcome string, latency time.Duration)
}

// SendEvent is the payload for message.send_ack and message.send_failed.
type SendEvent struct {
	CorrelationID  string
	ConversationID string
	Err            error
}

// Options configures a Sender.
type Options struct {
	Timeout  time.Duration
	Clock    clock.Clock
	Journal  Journal
	Observer Observer
}

// Sender owns pending outbound intents. Frames are written in submission
// order; those submitted while offline wait for the next connection.
type Sender struct {
	ledger    Ledger
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	mu      sync.Mutex
	entries map[string]*entry
	queue   []*entry // not yet accepted by the transport
	stopped bool
	unsub   func()
	done    chan struct{}
}

type entry struct {
	correlationID  string
	conversationID string
	frame          []byte
	submitted      time.Time
	timer          clock.Timer
	result         chan error
}

// NewSender creates a new outbox sender.
func NewSender(ledger Ledger, transport Transport, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		ledger:    ledger,
		transport: transport,
		bus:       b,
		logger:    logger,
		opts:      opts,
		entries:   make(map[string]*entry),
	}
}

// Start flushes queued frames whenever a connection opens.
func (s *Sender) Start() {
	if s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(bus.KindConnectionOpened, 8)
	s.mu.Lock()
	s.unsub = unsub
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for range ch {
			s.Flush()
		}
	}()
}

// Stop fails every outstanding send with ErrStopped and stops listening for
// connection events.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	unsub, done := s.unsub, s.done
	for corr, e := range s.entries {
		e.timer.Stop()
		e.result <- ErrStopped
		delete(s.entries, corr)
		s.observe("stopped", e)
	}
	s.queue = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
		<-done
	}
}

// Submit records an optimistic send and queues its frame. The returned
// channel yields nil once the server confirms the message, or an error if
// it fails first. Calls are serialised, so concurrent submissions keep their
// invocation order.
func (s *Sender) Submit(conversationID, text string) (string, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", nil, ErrStopped
	}
	corr, err := s.ledger.RecordOptimisticSend(conversationID, text)
	if err != nil {
		return "", nil, err
	}
	if s.opts.Journal != nil {
		if err := s.opts.Journal.QueueOutbox(corr, conversationID, text); err != nil {
			s.logger.Warn("failed to journal send", zap.String("correlation_id", corr), zap.Error(err))
		}
	}
	e, err := s.enqueueLocked(corr, conversationID, text)
	if err != nil {
		return "", nil, err
	}
	return corr, e.result, nil
}

// Retry resubmits a failed message.
func (s *Sender) Retry(correlationID string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if _, ok := s.entries[correlationID]; ok {
		return nil, ErrInFlight
	}
	msg, err := s.ledger.Retry(correlationID)
	if err != nil {
		return nil, err
	}
	if s.opts.Journal != nil {
		if err := s.opts.Journal.QueueOutbox(correlationID, msg.ConversationID, msg.Content); err != nil {
			s.logger.Warn("failed to journal retry", zap.String("correlation_id", correlationID), zap.Error(err))
		}
	}
	e, err := s.enqueueLocked(correlationID, msg.ConversationID, msg.Content)
	if err != nil {
		return nil, err
	}
	return e.result, nil
}

func (s *Sender) enqueueLocked(corr, conversationID, text string) (*entry, error) {
	frame, err := protocol.Encode(protocol.OutboundIntent{
		ConversationID: conversationID,
		Text:           text,
		CorrelationID:  corr,
	})
	if err != nil {
		_ = s.ledger.MarkFailed(corr)
		return nil, err
	}
	e := &entry{
		correlationID:  corr,
		conversationID: conversationID,
		frame:          frame,
		submitted:      s.opts.Clock.Now(),
		result:         make(chan error, 1),
	}
	e.timer = s.opts.Clock.AfterFunc(s.opts.Timeout, func() { s.expire(corr) })
	s.entries[corr] = e
	s.queue = append(s.queue, e)
	s.flushLocked()
	return e, nil
}

// Flush hands queued frames to the transport in order, stopping at the
// first one it refuses.
func (s *Sender) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Sender) flushLocked() {
	for len(s.queue) > 0 {
		e := s.queue[0]
		if !s.transport.Send(e.frame) {
			s.logger.Debug("transport not ready, send stays queued",
				zap.String("correlation_id", e.correlationID), zap.Int("queued", len(s.queue)))
			return
		}
		s.queue = s.queue[1:]
		if s.opts.Journal != nil {
			if err := s.opts.Journal.MarkOutboxWritten(e.correlationID); err != nil {
				s.logger.Warn("failed to journal write", zap.String("correlation_id", e.correlationID), zap.Error(err))
			}
		}
	}
}

// Ack resolves a send the server has confirmed. It reports whether the
// correlation id was outstanding.
func (s *Sender) Ack(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[correlationID]
	if !ok {
		return false
	}
	s.resolveLocked(e, nil)
	return true
}

func (s *Sender) expire(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[correlationID]
	if !ok {
		return
	}
	err := s.ledger.MarkFailed(correlationID)
	if errors.Is(err, conversation.ErrNotPending) {
		// The echo reached the store first; only the ack was late.
		s.resolveLocked(e, nil)
		return
	}
	if err != nil {
		s.logger.Warn("mark failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	s.logger.Warn("send timed out",
		zap.String("correlation_id", correlationID),
		zap.String("conversation_id", e.conversationID),
		zap.Duration("timeout", s.opts.Timeout))
	s.resolveLocked(e, ErrSendTimeout)
}

func (s *Sender) resolveLocked(e *entry, err error) {
	delete(s.entries, e.correlationID)
	e.timer.Stop()
	for i, q := range s.queue {
		if q == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}

	kind, outcome := bus.KindMessageSendAck, "sent"
	if err != nil {
		kind, outcome = bus.KindMessageSendFailed, "failed"
	}
	if s.opts.Journal != nil {
		var jerr error
		if err != nil {
			jerr = s.opts.Journal.MarkOutboxFailed(e.correlationID, err.Error())
		} else {
			jerr = s.opts.Journal.MarkOutboxSent(e.correlationID)
		}
		if jerr != nil {
			s.logger.Warn("failed to journal outcome", zap.String("correlation_id", e.correlationID), zap.Error(jerr))
		}
	}
	s.observe(outcome, e)
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: s.opts.Clock.Now(),
			Payload:   SendEvent{CorrelationID: e.correlationID, ConversationID: e.conversationID, Err: err},
		})
	}
	e.result <- err
}

func (s *Sender) observe(outcome string, e *entry) {
	if s.opts.Observer != nil {
		s.opts.Observer.SendResolved(outcome, s.opts.Clock.Now().Sub(e.submitted))
	}
}

// Outstanding reports how many sends await confirmation.
func (s *Sender) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Queued reports how many frames wait for the transport.
func (s *Sender) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
