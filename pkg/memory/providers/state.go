package providers

import (
	"fmt"
	"sync"
)

// State tracks provider readiness. Initialization is synchronous from the
// coordinator's viewpoint: a provider is never advertised before its Init
// handshake completes, so no public operation can observe Initializing.
type State string

// Provider lifecycle states.
const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateShutdown      State = "shutdown"
)

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady, StateUninitialized, StateShutdown},
	StateReady:         {StateDegraded, StateShutdown},
	StateDegraded:      {StateReady, StateShutdown},
	StateShutdown:      {},
}

// StateTracker maintains a provider's state and the consecutive health
// failure count that drives the Ready -> Degraded transition.
type StateTracker struct {
	mu               sync.RWMutex
	state            State
	consecutiveFails int
	failThreshold    int
}

// NewStateTracker creates a tracker in the Uninitialized state.
// failThreshold is the number of consecutive health failures that degrade
// a Ready provider.
func NewStateTracker(failThreshold int) *StateTracker {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &StateTracker{
		state:         StateUninitialized,
		failThreshold: failThreshold,
	}
}

// State returns the current state.
func (t *StateTracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Transition moves to the target state, enforcing the state machine.
func (t *StateTracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, allowed := range validTransitions[t.state] {
		if allowed == to {
			t.state = to
			if to == StateReady {
				t.consecutiveFails = 0
			}
			return nil
		}
	}
	return fmt.Errorf("invalid provider state transition %s -> %s", t.state, to)
}

// RecordSuccess notes a successful operation. A degraded provider returns
// to Ready on any success.
func (t *StateTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFails = 0
	if t.state == StateDegraded {
		t.state = StateReady
	}
}

// RecordFailure notes a failed health probe or operation. Returns true if
// the failure tipped the provider into Degraded.
func (t *StateTracker) RecordFailure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady && t.state != StateDegraded {
		return false
	}
	t.consecutiveFails++
	if t.state == StateReady && t.consecutiveFails >= t.failThreshold {
		t.state = StateDegraded
		return true
	}
	return false
}

// Usable reports whether the provider can service requests at all.
func (t *StateTracker) Usable() bool {
	s := t.State()
	return s == StateReady || s == StateDegraded
}
