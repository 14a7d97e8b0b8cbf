package status

import (
	"testing"

	"github.com/matheus3301/imsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Disconnected, Reconnecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connecting, Reconnecting},
		{Connected, Disconnected},
		{Connected, Reconnecting},
		{Reconnecting, Connecting},
		{Reconnecting, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(disconnected -> connected) should fail; must go through connecting")
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want disconnected (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New(nil)
	ch, unsub := b.Subscribe("realtime.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != KindStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, KindStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want disconnected -> connecting", change.From, change.To)
	}
}

// TestTransitionFromLosesRace verifies that a stale caller cannot move the
// machine once another goroutine has already changed state, e.g. a read
// loop reporting a drop after an intentional disconnect.
func TestTransitionFromLosesRace(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	if !m.TransitionFrom(Connected, Disconnected) {
		t.Fatal("first TransitionFrom should succeed")
	}
	if m.TransitionFrom(Connected, Disconnected) {
		t.Error("second TransitionFrom should report false")
	}
}

// TestReconnectCycle verifies the reconnect loop:
// connected → disconnected → reconnecting → connecting → connected
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	steps := []State{Disconnected, Reconnecting, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
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
		Reconnecting: {Reconnecting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
