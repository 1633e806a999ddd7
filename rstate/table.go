package rstate

import (
	"errors"
	"fmt"
)

// ErrUndefined is matched by every error reporting an event or transition
// that the table or machine does not define.
var ErrUndefined = errors.New("rstate: undefined transition")

// Event identifies an input to a Table.
type Event interface {
	comparable
	fmt.Stringer
}

// Rule binds an event delivered in state From to its action.
//
// Check runs first and must not mutate anything; a non-nil error rejects the
// event. Apply performs the side effects and returns the next state. Apply
// is only called after Check has passed.
type Rule[S State, E Event, C any] struct {
	From  S
	On    E
	Name  string
	Check func(c C) error
	Apply func(c C) S
}

type ruleKey[S State, E Event] struct {
	From S
	On   E
}

// UndefinedEventError reports an event delivered in a state whose table row
// does not define it.
type UndefinedEventError struct {
	Table string
	State string
	Event string
}

func (e *UndefinedEventError) Error() string {
	return fmt.Sprintf("rstate: %s table: event %s not defined in state %s", e.Table, e.Event, e.State)
}

// Unwrap allows errors.Is(err, ErrUndefined).
func (e *UndefinedEventError) Unwrap() error {
	return ErrUndefined
}

// Table is an immutable event table. It holds no current state; callers keep
// the state with the data it describes and serialize Fire calls themselves.
type Table[S State, E Event, C any] struct {
	name  string
	rules map[ruleKey[S, E]]Rule[S, E, C]
}

// NewTable builds a table. Duplicate (From, On) rows panic since they are a
// programming error in the table definition.
func NewTable[S State, E Event, C any](name string, rules []Rule[S, E, C]) *Table[S, E, C] {
	t := &Table[S, E, C]{
		name:  name,
		rules: make(map[ruleKey[S, E]]Rule[S, E, C], len(rules)),
	}
	for _, r := range rules {
		k := ruleKey[S, E]{From: r.From, On: r.On}
		if _, dup := t.rules[k]; dup {
			panic(fmt.Sprintf("rstate: %s table: duplicate rule %s/%s", name, r.From, r.On))
		}
		if r.Apply == nil {
			panic(fmt.Sprintf("rstate: %s table: rule %s/%s has no action", name, r.From, r.On))
		}
		t.rules[k] = r
	}
	return t
}

// Name returns the table name.
func (t *Table[S, E, C]) Name() string {
	return t.name
}

// Defines reports whether the table has a row for the event in the state.
func (t *Table[S, E, C]) Defines(from S, on E) bool {
	_, ok := t.rules[ruleKey[S, E]{From: from, On: on}]
	return ok
}

// Check validates the event without applying it.
func (t *Table[S, E, C]) Check(from S, on E, c C) error {
	r, ok := t.rules[ruleKey[S, E]{From: from, On: on}]
	if !ok {
		return &UndefinedEventError{Table: t.name, State: from.String(), Event: on.String()}
	}
	if r.Check != nil {
		return r.Check(c)
	}
	return nil
}

// Fire validates the event and, only if it is accepted, applies the rule.
// It returns the next state and the rule name. On error the returned state
// is from and no side effect has run.
func (t *Table[S, E, C]) Fire(from S, on E, c C) (S, string, error) {
	r, ok := t.rules[ruleKey[S, E]{From: from, On: on}]
	if !ok {
		return from, "", &UndefinedEventError{Table: t.name, State: from.String(), Event: on.String()}
	}
	if r.Check != nil {
		if err := r.Check(c); err != nil {
			return from, r.Name, err
		}
	}
	return r.Apply(c), r.Name, nil
}
