package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/workbridge/messaging/internal/bus"
)

// State represents the transport connection state surfaced to the UI as a
// non-blocking status indicator.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Closed is the
// deliberate teardown state (logout or identity switch); a machine there is
// only revived by an explicit Connect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Closed, Error},
	Open:         {Reconnecting, Closed, Error},
	Reconnecting: {Connecting, Closed, Error},
	Closed:       {Connecting},
	Error:        {Connecting, Reconnecting, Closed},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
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

// Transition attempts to move to a new state. Returns an error and leaves
// the state untouched if the transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for conn.status_changed events.
type StatusChange struct {
	From State
	To   State
}
