// Package status tracks the realtime connection state and enforces its
// transitions.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
)

// State is a realtime connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// KindStateChanged is published on every successful transition.
const KindStateChanged = "realtime.state_changed"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting},
	Connecting:   {Connected, Disconnected, Reconnecting},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	m.publish(from, to)
	return nil
}

// TransitionFrom moves to a new state only if the machine is currently in
// from. It reports whether the transition happened.
func (m *Machine) TransitionFrom(from, to State) bool {
	m.mu.Lock()
	if m.current != from || !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return false
	}
	m.current = to
	m.mu.Unlock()

	m.publish(from, to)
	return true
}

func (m *Machine) publish(from, to State) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      KindStateChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
