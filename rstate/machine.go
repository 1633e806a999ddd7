// Package rstate provides explicit state machines for the runtime.
//
// Two shapes are offered. Machine moves between named target states and is
// used for simple connection lifecycles. Table maps (state, event) pairs to
// guarded actions and is used where the next state depends on the event and
// on data owned by the caller, such as association groups.
package rstate

import (
	"fmt"
	"sync"
)

type State interface {
	comparable
	fmt.Stringer
}

// Transition defines a valid state transition.
type Transition[S State] struct {
	From S
	To   S
	Name string // Human-readable name for logging/debugging
}

type transitionKey[S State] struct {
	From, To S
}

// TransitionError is returned when a target state is not reachable from the
// current state.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rstate: invalid state transition: %s -> %s", e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrUndefined).
func (e *TransitionError) Unwrap() error {
	return ErrUndefined
}

// Machine enforces valid state transitions.
type Machine[S State] struct {
	mu      sync.RWMutex
	current S
	sig     chan struct{}

	allowed  map[transitionKey[S]]string
	onChange func(from, to S, name string)
}

// New creates a state machine starting at the given state.
func New[S State](initial S, transitions []Transition[S], on func(from, to S, name string)) *Machine[S] {
	sm := &Machine[S]{
		current:  initial,
		allowed:  make(map[transitionKey[S]]string, len(transitions)),
		onChange: on,
	}
	for _, t := range transitions {
		sm.allowed[transitionKey[S]{From: t.From, To: t.To}] = t.Name
	}
	return sm
}

// CanTransitionTo checks if a transition to the target state is valid.
func (sm *Machine[S]) CanTransitionTo(to S) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.allowed[transitionKey[S]{From: sm.current, To: to}]
	return ok
}

// TransitionTo attempts to transition to a new state.
// The onChange callback runs after the lock is released.
func (sm *Machine[S]) TransitionTo(to S) error {
	sm.mu.Lock()
	from := sm.current
	name, ok := sm.allowed[transitionKey[S]{From: from, To: to}]
	if !ok {
		sm.mu.Unlock()
		return &TransitionError{From: from.String(), To: to.String()}
	}
	sm.current = to
	if sm.sig != nil {
		close(sm.sig)
		sm.sig = nil
	}
	sm.mu.Unlock()

	if sm.onChange != nil {
		sm.onChange(from, to, name)
	}
	return nil
}

// MustTransitionTo transitions or panics. Use in cases where invalid
// transitions indicate a programming error.
func (sm *Machine[S]) MustTransitionTo(to S) {
	if err := sm.TransitionTo(to); err != nil {
		panic(err)
	}
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Changed returns a channel that is closed on the next successful transition.
func (sm *Machine[S]) Changed() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sig == nil {
		sm.sig = make(chan struct{})
	}
	return sm.sig
}
