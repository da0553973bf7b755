// Package sync applies inbound events to the conversation store on a single
// goroutine, in the order the connection received them.
package sync

import (
	"context"
	"errors"
	gosync "sync"

	"github.com/matheus3301/parley/internal/conversation"
	"github.com/matheus3301/parley/internal/protocol"
	"go.uber.org/zap"
)

// DefaultBuffer is how many decoded events may wait for the apply loop
// before the connection's read goroutine blocks.
const DefaultBuffer = 256

var ErrStopped = errors.New("sync engine stopped")

// Acker resolves outbound sends confirmed by an inbound echo.
type Acker interface {
	Ack(correlationID string) bool
}

// Persister writes a conversation's current state to the local cache.
type Persister interface {
	Save(conversationID string) error
}

// Observer is told the outcome of every applied event.
type Observer interface {
	EventApplied(outcome string)
}

// Options configures an Engine.
type Options struct {
	Buffer    int
	Acker     Acker
	Persister Persister
	Observer  Observer
	// OnRefresh is called when an event reveals the conversation list is
	// stale. The conversation id may be empty.
	OnRefresh func(conversationID string)
}

// Engine is the single writer for inbound events.
type Engine struct {
	conv   *conversation.Store
	opts   Options
	logger *zap.Logger

	events chan protocol.Event

	mu      gosync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(conv *conversation.Store, logger *zap.Logger, opts Options) *Engine {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		conv:    conv,
		opts:    opts,
		logger:  logger,
		events:  make(chan protocol.Event, opts.Buffer),
		stopped: make(chan struct{}),
	}
}

// Start runs the apply loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case evt := <-e.events:
				e.Apply(evt)
			case <-ctx.Done():
				return
			}
		}
	}(e.done)
}

// Stop stops the apply loop and waits for it to exit. Events still
// buffered are dropped.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	select {
	case <-e.stopped:
	default:
		close(e.stopped)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Handle enqueues evt for the apply loop. It blocks while the buffer is
// full so no event is lost or reordered. It is a protocol.Handler.
func (e *Engine) Handle(evt protocol.Event) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.events <- evt:
		return nil
	case <-e.stopped:
		return ErrStopped
	}
}

// Apply applies one event synchronously.
func (e *Engine) Apply(evt protocol.Event) conversation.ApplyResult {
	res := e.conv.ApplyInbound(evt)
	if e.opts.Observer != nil {
		e.opts.Observer.EventApplied(res.Outcome.String())
	}

	switch res.Outcome {
	case conversation.Reconciled:
		if e.opts.Acker != nil {
			e.opts.Acker.Ack(res.CorrelationID)
		}
		e.logger.Debug("send confirmed by echo",
			zap.String("conversation_id", res.ConversationID), zap.String("correlation_id", res.CorrelationID))
	case conversation.Deferred:
		e.logger.Info("held message for unknown conversation", zap.String("conversation_id", res.ConversationID))
	}

	if res.NeedsRefresh && e.opts.OnRefresh != nil {
		e.opts.OnRefresh(res.ConversationID)
	}

	switch res.Outcome {
	case conversation.Inserted, conversation.Reconciled, conversation.Updated:
		if e.opts.Persister != nil {
			if err := e.opts.Persister.Save(res.ConversationID); err != nil {
				e.logger.Warn("failed to cache conversation",
					zap.String("conversation_id", res.ConversationID), zap.Error(err))
			}
		}
	}
	return res
}

// Pending reports how many events wait to be applied.
func (e *Engine) Pending() int {
	return len(e.events)
}
