package status

import (
	"testing"

	"github.com/matheus3301/parley/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Disconnected, Closed},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connecting, Closed},
		{Connected, Reconnecting},
		{Connected, Closed},
		{Reconnecting, Connected},
		{Reconnecting, Closed},
		{Closed, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, ReasonNone); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Reconnecting},
		{Connected, Connecting},
		{Reconnecting, Connecting},
		{Closed, Connecting},
		{Closed, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, ReasonNone); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting, ReasonNone); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnectionState {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConnectionState)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestRetryingCountsAttempts walks a drop followed by two failed retries and
// a successful one, checking that the counter resets on Connected.
func TestRetryingCountsAttempts(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Connected)
	for len(ch) > 0 {
		<-ch
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := m.Retrying(attempt, ReasonTransportError); err != nil {
			t.Fatalf("Retrying(%d): %v", attempt, err)
		}
		change := (<-ch).Payload.(StatusChange)
		if change.To != Reconnecting || change.Attempt != attempt {
			t.Errorf("change = %+v, want RECONNECTING attempt %d", change, attempt)
		}
	}

	if err := m.Transition(Connected, ReasonNone); err != nil {
		t.Fatal(err)
	}
	if got := m.Snapshot().Attempt; got != 0 {
		t.Errorf("attempt after reconnect = %d, want 0", got)
	}
}

func TestRetryingFromClosedFails(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Closed)
	if err := m.Retrying(1, ReasonTransportError); err == nil {
		t.Error("Retrying from CLOSED should fail")
	}
}

func TestNeedsReauth(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connecting)
	if err := m.Transition(Closed, ReasonAuthRejected); err != nil {
		t.Fatal(err)
	}
	if !m.Snapshot().NeedsReauth() {
		t.Error("NeedsReauth() = false after auth rejection")
	}

	other := NewMachine(nil)
	walkTo(t, other, Reconnecting)
	if err := other.Transition(Closed, ReasonAttemptsExhausted); err != nil {
		t.Fatal(err)
	}
	if other.Snapshot().NeedsReauth() {
		t.Error("NeedsReauth() = true after exhausted retries")
	}
}

// TestClosedRestartsFromDisconnected verifies that a closed machine can only
// be revived by going back through DISCONNECTED.
func TestClosedRestartsFromDisconnected(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Closed)

	steps := []State{Disconnected, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s, ReasonNone); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s, ReasonNone); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
