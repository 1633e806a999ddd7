package assoc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kardianos/rpcrt/rstate"
)

// Observer receives group lifecycle notifications. Calls are made with no
// table or group lock held.
type Observer interface {
	Logf(format string, v ...any)
	// OnTransition is called after every applied event.
	OnTransition(k Key, ev Event, from, to State)
	// OnFree is called exactly once per group, after it is deallocated.
	OnFree(info Info)
}

// TableOpt configures a Table.
type TableOpt struct {
	// MaxGroups limits live groups. Zero means unlimited.
	MaxGroups int
	// MaxAssocPerGroup limits members per group. Zero means unlimited.
	MaxAssocPerGroup int

	Observer Observer

	// Now overrides the clock for activity stamps.
	Now func() time.Time
}

// Table holds the live association groups of one process.
type Table struct {
	opt TableOpt
	now func() time.Time

	mu     sync.RWMutex
	groups map[Key]*Group
	nextID GroupID
}

// NewTable creates an empty group table.
func NewTable(opt TableOpt) *Table {
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Table{
		opt:    opt,
		now:    now,
		groups: make(map[Key]*Group),
	}
}

func (t *Table) logf(format string, v ...any) {
	if t.opt.Observer == nil {
		return
	}
	t.opt.Observer.Logf(format, v...)
}

func (t *Table) lookup(k Key) *Group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.groups[k]
}

// NewGroup raises NEW for a group with a locally allocated id and returns
// its key.
func (t *Table) NewGroup(role Role, p Payload) (Key, error) {
	k, err := t.create(Key{Role: role}, p, true)
	if err != nil {
		return Key{}, err
	}
	return k, nil
}

// Raise delivers an event to a group and returns the resulting state.
//
// NEW creates the group named by k; k.ID must be non-zero (use NewGroup to
// allocate one). Every other event is validated against the role's state
// table before any side effect. On error the returned state is the prior
// state and the group is untouched. An event that lands in StateClosed
// deallocates the group before Raise returns.
func (t *Table) Raise(k Key, ev Event, p Payload) (State, error) {
	if ev == EventNew {
		if k.ID == 0 {
			return StateClosed, &TransitionError{Key: k, State: StateClosed, Event: ev, Err: fmt.Errorf("%w: NEW requires a group id", ErrContractViolation)}
		}
		if _, err := t.create(k, p, false); err != nil {
			return StateClosed, err
		}
		return StateOpen, nil
	}

	g := t.lookup(k)
	if g == nil {
		return StateClosed, fmt.Errorf("%w: %s", ErrUnknownGroup, k)
	}

	g.mu.Lock()
	if g.freed {
		g.mu.Unlock()
		return StateClosed, fmt.Errorf("%w: %s", ErrUnknownGroup, k)
	}
	from := g.state
	next, _, err := rulesFor(k.Role).Fire(from, ev, &eventCtx{g: g, p: p})
	if err != nil {
		g.mu.Unlock()
		return from, &TransitionError{
			Key:       k,
			State:     from,
			Event:     ev,
			Err:       err,
			undefined: errors.Is(err, rstate.ErrUndefined),
		}
	}
	g.state = next
	g.lastActivity = t.now()

	var freed Info
	closing := next == StateClosed
	if closing {
		freed = g.infoLocked()
		g.free()
		t.mu.Lock()
		delete(t.groups, k)
		t.mu.Unlock()
	}
	g.mu.Unlock()

	if obs := t.opt.Observer; obs != nil {
		obs.OnTransition(k, ev, from, next)
		if closing {
			obs.OnFree(freed)
		}
	}
	return next, nil
}

func (t *Table) create(k Key, p Payload, allocate bool) (Key, error) {
	now := t.now()

	t.mu.Lock()
	if t.opt.MaxGroups > 0 && len(t.groups) >= t.opt.MaxGroups {
		n := len(t.groups)
		t.mu.Unlock()
		return Key{}, fmt.Errorf("%w: %d live groups", ErrTooManyGroups, n)
	}
	if allocate {
		k.ID = t.allocLocked(k.Role)
	} else if _, ok := t.groups[k]; ok {
		t.mu.Unlock()
		return Key{}, &TransitionError{Key: k, State: StateClosed, Event: EventNew, Err: ErrGroupExists, undefined: true}
	}

	g := newGroup(k, p, now, t.opt.MaxAssocPerGroup)
	next, _, err := rulesFor(k.Role).Fire(g.state, EventNew, &eventCtx{g: g, p: p})
	if err != nil {
		t.mu.Unlock()
		return Key{}, &TransitionError{Key: k, State: StateClosed, Event: EventNew, Err: err}
	}
	g.state = next
	t.groups[k] = g
	t.mu.Unlock()

	t.logf("assoc: group %s created for peer %q", k, p.Peer)
	if obs := t.opt.Observer; obs != nil {
		obs.OnTransition(k, EventNew, StateClosed, next)
	}
	return k, nil
}

// allocLocked returns an unused non-zero id for the role.
func (t *Table) allocLocked(role Role) GroupID {
	for {
		t.nextID++
		if t.nextID == 0 {
			continue
		}
		if _, used := t.groups[Key{Role: role, ID: t.nextID}]; !used {
			return t.nextID
		}
	}
}

// Touch records call activity on a group without changing its state.
func (t *Table) Touch(k Key) bool {
	g := t.lookup(k)
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.freed {
		return false
	}
	g.lastActivity = t.now()
	return true
}

// Info returns a snapshot of a live group.
func (t *Table) Info(k Key) (Info, bool) {
	g := t.lookup(k)
	if g == nil {
		return Info{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.freed {
		return Info{}, false
	}
	return g.infoLocked(), true
}

// Keys returns the keys of all live groups with the given role.
func (t *Table) Keys(role Role) []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]Key, 0, len(t.groups))
	for k := range t.groups {
		if k.Role == role {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of live groups.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups)
}
