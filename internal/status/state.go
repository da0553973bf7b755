package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
)

// State represents the connection state of an authenticated session.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// Reason explains why the machine entered its current state. It is only
// meaningful for Closed and Reconnecting.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRequested         Reason = "requested"
	ReasonAuthRejected      Reason = "auth_rejected"
	ReasonAttemptsExhausted Reason = "attempts_exhausted"
	ReasonTransportError    Reason = "transport_error"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connected, Closed},
	Closed:       {Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  Reason
	attempt int
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, the reason it was entered and the
// reconnect attempt counter.
func (m *Machine) Snapshot() StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StatusChange{From: m.current, To: m.current, Reason: m.reason, Attempt: m.attempt}
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Entering Connected resets the attempt counter.
func (m *Machine) Transition(to State, reason Reason) error {
	return m.transition(to, reason, -1)
}

// Retrying records a reconnect attempt. From Connecting or Connected it moves
// to Reconnecting; from Reconnecting it stays put and only publishes the new
// attempt number.
func (m *Machine) Retrying(attempt int, reason Reason) error {
	m.mu.Lock()
	if m.current != Reconnecting {
		m.mu.Unlock()
		return m.transition(Reconnecting, reason, attempt)
	}
	m.attempt = attempt
	m.reason = reason
	change := StatusChange{From: Reconnecting, To: Reconnecting, Reason: reason, Attempt: attempt}
	m.mu.Unlock()

	m.publish(change)
	return nil
}

func (m *Machine) transition(to State, reason Reason, attempt int) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	switch {
	case to == Connected || to == Disconnected:
		m.attempt = 0
	case attempt >= 0:
		m.attempt = attempt
	}
	change := StatusChange{From: from, To: to, Reason: reason, Attempt: m.attempt}
	m.mu.Unlock()

	m.publish(change)
	return nil
}

func (m *Machine) publish(change StatusChange) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectionState,
		Timestamp: time.Now(),
		Payload:   change,
	})
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From    State
	To      State
	Reason  Reason
	Attempt int
}

// NeedsReauth reports whether the session must obtain a fresh token before
// connecting again.
func (c StatusChange) NeedsReauth() bool {
	return c.To == Closed && c.Reason == ReasonAuthRejected
}
