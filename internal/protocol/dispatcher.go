package protocol

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives decoded events. A returned error is logged and does not
// stop delivery to later handlers.
type Handler func(Event) error

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

// DecodeObserver is notified about every frame outcome. Used for metrics.
type DecodeObserver interface {
	FrameDecoded(eventType string)
	FrameRejected()
}

// Dispatcher decodes raw frames and delivers events to handlers in
// registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	subs     []dispatchSub
	next     SubscriptionID
	logger   *zap.Logger
	observer DecodeObserver
}

type dispatchSub struct {
	id      SubscriptionID
	handler Handler
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(logger *zap.Logger, observer DecodeObserver) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, observer: observer}
}

// Subscribe registers h and returns an id for Unsubscribe.
func (d *Dispatcher) Subscribe(h Handler) SubscriptionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.subs = append(d.subs, dispatchSub{id: d.next, handler: h})
	return d.next
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// HandleFrame decodes raw and dispatches the result. Malformed frames are
// logged and dropped; unknown frame types are skipped.
func (d *Dispatcher) HandleFrame(raw []byte) {
	evt, err := Decode(raw)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			d.logger.Warn("dropping malformed frame", zap.String("excerpt", de.Excerpt), zap.Error(de.Err))
		} else {
			d.logger.Warn("dropping malformed frame", zap.Error(err))
		}
		if d.observer != nil {
			d.observer.FrameRejected()
		}
		return
	}
	if d.observer != nil {
		d.observer.FrameDecoded(evt.EventType())
	}
	if u, ok := evt.(Unknown); ok {
		d.logger.Debug("ignoring frame of unknown type", zap.String("type", u.Type))
		return
	}
	d.Dispatch(evt)
}

// Dispatch delivers evt to every handler.
func (d *Dispatcher) Dispatch(evt Event) {
	d.mu.RLock()
	subs := make([]dispatchSub, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		if err := d.invoke(s.handler, evt); err != nil {
			d.logger.Error("event handler failed",
				zap.Uint64("subscription", uint64(s.id)),
				zap.String("event", evt.EventType()),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) invoke(h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(evt)
}
