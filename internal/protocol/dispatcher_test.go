package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingObserver struct {
	decoded  map[string]int
	rejected int
}

func (o *countingObserver) FrameDecoded(t string) {
	if o.decoded == nil {
		o.decoded = map[string]int{}
	}
	o.decoded[t]++
}

func (o *countingObserver) FrameRejected() { o.rejected++ }

const updateFrame = `{"type":"conversation_update"}`

func TestDispatchInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nil, nil)
	var order []int
	for i := 1; i <= 3; i++ {
		d.Subscribe(func(Event) error {
			order = append(order, i)
			return nil
		})
	}

	d.HandleFrame([]byte(updateFrame))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	d := NewDispatcher(zap.New(core), nil)

	var reached []string
	d.Subscribe(func(Event) error {
		reached = append(reached, "error")
		return errors.New("boom")
	})
	d.Subscribe(func(Event) error {
		reached = append(reached, "panic")
		panic("kaboom")
	})
	d.Subscribe(func(Event) error {
		reached = append(reached, "last")
		return nil
	})

	d.HandleFrame([]byte(updateFrame))
	assert.Equal(t, []string{"error", "panic", "last"}, reached)
	assert.Equal(t, 2, logs.FilterMessage("event handler failed").Len())
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(nil, nil)
	calls := 0
	id := d.Subscribe(func(Event) error { calls++; return nil })
	d.Unsubscribe(id)
	d.Unsubscribe(id)

	d.HandleFrame([]byte(updateFrame))
	assert.Zero(t, calls)
}

func TestMalformedFrameIsLoggedAndDropped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	obs := &countingObserver{}
	d := NewDispatcher(zap.New(core), obs)
	calls := 0
	d.Subscribe(func(Event) error { calls++; return nil })

	d.HandleFrame([]byte(`{"type":`))
	d.HandleFrame([]byte(`{"type":"presence"}`))
	d.HandleFrame([]byte(updateFrame))

	assert.Equal(t, 1, calls, "only the valid known frame is delivered")
	assert.Equal(t, 1, obs.rejected)
	assert.Equal(t, 1, obs.decoded["presence"])
	assert.Equal(t, 1, obs.decoded[TypeConversationUpdate])
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed frame").Len())
}
