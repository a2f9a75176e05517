// Package door holds the open/closed state of one simulated door.
//
// An Actuator serializes every state change behind one mutex, so a
// command arriving on the bus and a direct HTTP action on the same door
// never interleave. Commands are applied unconditionally: debounce belongs
// to the relay, not to the door.
package door

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action is a door command.
type Action string

// Supported actions.
const (
	Open   Action = "open"
	Close  Action = "close"
	Toggle Action = "toggle"
)

// ErrInvalidAction is returned for anything other than open, close or toggle.
var ErrInvalidAction = errors.New("door: invalid action")

// ParseAction normalizes s into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Open, Close, Toggle:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// State is a snapshot of a door.
type State struct {
	IsOpen     bool      `json:"is_open"`
	LastChange time.Time `json:"last_change"`
}

// Actuator owns one door's state.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Actuator struct {
	mu    sync.Mutex
	state State
	now   func() time.Time

	// onChange runs under the lock after every applied action, so
	// observers see changes in the order they happened.
	onChange func(State)
}

// NewActuator returns a closed door.
func NewActuator() *Actuator {
	return &Actuator{now: time.Now}
}

// OnChange registers fn to be called with the new state after each action.
// fn runs while the door is locked and must not call back into the Actuator.
func (a *Actuator) OnChange(fn func(State)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Apply performs action and returns the resulting state.
// Every action counts as a change, even an open on an open door.
func (a *Actuator) Apply(action Action) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch action {
	case Open:
		a.state.IsOpen = true
	case Close:
		a.state.IsOpen = false
	case Toggle:
		a.state.IsOpen = !a.state.IsOpen
	default:
		return a.state, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	a.state.LastChange = a.now()

	if a.onChange != nil {
		a.onChange(a.state)
	}
	return a.state, nil
}

// State returns the current state.
func (a *Actuator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Inspect calls fn with the current state while holding the lock, so fn
// is ordered with respect to OnChange callbacks.
func (a *Actuator) Inspect(fn func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.state)
}
