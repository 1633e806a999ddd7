// Package assoc tracks association groups: all associations to or from one
// remote peer multiplexed over one transport connection.
//
// Transports raise events into a Table. Each group owns a lock that
// serializes its events; distinct groups are processed in parallel. A group
// that reaches StateClosed is deallocated while the closing event is handled,
// so callers keep Key values and never hold on to a group directly.
package assoc

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of an association group.
type State uint8

const (
	// StateClosed is both the initial state of a group being created and
	// the terminal state. A group is deallocated on entering it.
	StateClosed State = iota
	// StateOpen indicates the group exists but has no member associations
	// (client role) or has never had one (server role).
	StateOpen
	// StateActive indicates the group has had members. A server group stays
	// active at zero members until the liveness monitor reports no calls.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	default:
		return "invalid"
	}
}

// Event is an input raised into a group's state table.
type Event uint8

const (
	EventNew Event = iota
	EventAddAssoc
	EventRemAssoc
	// EventNoCallsInd is raised by the liveness monitor for an idle server
	// group. Server role only.
	EventNoCallsInd
	// EventClose tears down an open client group with no members. Client
	// role only.
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventNew:
		return "NEW"
	case EventAddAssoc:
		return "ADD_ASSOC"
	case EventRemAssoc:
		return "REM_ASSOC"
	case EventNoCallsInd:
		return "NO_CALLS_IND"
	case EventClose:
		return "CLOSE"
	default:
		return "INVALID"
	}
}

// Role selects which state table drives a group.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "invalid"
	}
}

// Flags carry static group attributes.
type Flags uint8

const (
	FlagClientRole Flags = 1 << iota
)

// GroupID identifies a group. Client groups use a locally allocated id,
// server groups use the id supplied by the remote peer.
type GroupID uint32

// AssocID identifies one association within a group.
type AssocID uint64

// Key addresses a group in a Table.
type Key struct {
	Role Role
	ID   GroupID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Role, k.ID)
}

// Payload accompanies an event.
type Payload struct {
	// Assoc is the association added or removed by ADD_ASSOC and REM_ASSOC.
	Assoc AssocID
	// Peer describes the remote end. Only read by NEW.
	Peer string
}

// Info is a snapshot of a group.
type Info struct {
	Key          Key
	Flags        Flags
	State        State
	Members      int
	Peer         string
	Created      time.Time
	LastActivity time.Time
}

// Group is one association group. All fields below mu are guarded by it.
type Group struct {
	key     Key
	flags   Flags
	peer    string
	created time.Time

	// maxMembers is copied from the table options; zero means unlimited.
	maxMembers int

	mu           sync.Mutex
	state        State
	members      map[AssocID]struct{}
	lastActivity time.Time
	freed        bool
}

func newGroup(k Key, p Payload, now time.Time, maxMembers int) *Group {
	g := &Group{
		key:          k,
		peer:         p.Peer,
		created:      now,
		maxMembers:   maxMembers,
		state:        StateClosed,
		members:      make(map[AssocID]struct{}),
		lastActivity: now,
	}
	if k.Role == RoleClient {
		g.flags |= FlagClientRole
	}
	return g
}

// infoLocked must be called with g.mu held.
func (g *Group) infoLocked() Info {
	return Info{
		Key:          g.key,
		Flags:        g.flags,
		State:        g.state,
		Members:      len(g.members),
		Peer:         g.peer,
		Created:      g.created,
		LastActivity: g.lastActivity,
	}
}

// free releases the group's resources. Called with g.mu held, exactly once.
func (g *Group) free() {
	g.freed = true
	g.members = nil
}
