package assoc

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation is matched by events delivered to a group in a
	// state that does not define them, or whose guard rejects them.
	ErrContractViolation = errors.New("assoc: event not valid in current state")
	// ErrUnknownGroup is returned for keys with no live group, including
	// groups already deallocated on reaching the closed state.
	ErrUnknownGroup = errors.New("assoc: unknown group")
	// ErrGroupExists is returned when NEW names a key already in use.
	ErrGroupExists = errors.New("assoc: group already exists")
	// ErrTooManyGroups is returned when the table is at its group limit.
	ErrTooManyGroups = errors.New("assoc: too many groups")
	// ErrTooManyAssociations is returned when a group is at its member limit.
	ErrTooManyAssociations = errors.New("assoc: too many associations")
)

// TransitionError reports a rejected event. The group it names is unchanged.
type TransitionError struct {
	Key   Key
	State State
	Event Event
	Err   error

	undefined bool
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("assoc: %s in state %s for group %s: %v", e.Event, e.State, e.Key, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Is makes an event missing from the state table match ErrContractViolation.
func (e *TransitionError) Is(target error) bool {
	return e.undefined && target == ErrContractViolation
}
