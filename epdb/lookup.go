package epdb

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Handle is an opaque lookup position. Handles are checked against the
// database's cursor table on every use; a handle the database did not issue,
// or one already ended, released or reaped, is rejected.
type Handle struct {
	id    uuid.UUID
	stamp uint64
}

// HandleLen is the length of a marshaled Handle.
const HandleLen = 24

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) MarshalBinary() ([]byte, error) {
	b := make([]byte, HandleLen)
	copy(b, h.id[:])
	binary.BigEndian.PutUint64(b[16:], h.stamp)
	return b, nil
}

func (h *Handle) UnmarshalBinary(b []byte) error {
	if len(b) != HandleLen {
		return ErrInvalidHandle
	}
	copy(h.id[:], b)
	h.stamp = binary.BigEndian.Uint64(b[16:])
	return nil
}

type cursor struct {
	h      Handle
	q      Query
	chains []*chain
	gens   []uint64
	// pass is the 1-based index into chains being walked.
	pass    int
	last    index
	expires time.Time
}

func (db *DB) chainsFor(q Query) []*chain {
	switch q.Index {
	case IndexObject:
		cs := []*chain{&db.objs[bucketOf(q.Object)]}
		if q.WithNilObject && q.Object != uuid.Nil {
			cs = append(cs, &db.objs[bucketOf(uuid.Nil)])
		}
		return cs
	case IndexInterface:
		return []*chain{&db.ifs[bucketOf(q.Interface.UUID)]}
	default:
		return []*chain{&db.all}
	}
}

// scanLocked finds the next matching live slot after from (none to start at
// the head) in the current pass, moving to later passes as chains run out.
func (db *DB) scanLocked(q Query, chains []*chain, from index, pass int) (index, int) {
	for ; pass <= len(chains); pass++ {
		c := chains[pass-1]
		i := c.head
		if from != none {
			i = db.a.next(c, from)
		}
		for ; i != none; i = db.a.next(c, i) {
			s := db.a.at(i)
			if !s.deleted && q.match(s.e, pass) {
				return i, pass
			}
		}
		from = none
	}
	return none, pass
}

// LookupFirst returns the first entry matching q and a handle to continue
// with LookupNext. With no match it returns ErrEnd and no handle.
func (db *DB) LookupFirst(q Query) (Entry, Handle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return Entry{}, Handle{}, ErrClosed
	}
	chains := db.chainsFor(q)
	i, pass := db.scanLocked(q, chains, none, 1)
	if i == none {
		return Entry{}, Handle{}, ErrEnd
	}

	db.stamp++
	c := &cursor{
		h:       Handle{id: uuid.New(), stamp: db.stamp},
		q:       q,
		chains:  chains,
		gens:    make([]uint64, len(chains)),
		pass:    pass,
		last:    i,
		expires: db.opt.Now().Add(db.opt.HandleTTL),
	}
	for k, ch := range chains {
		c.gens[k] = ch.gen
	}
	db.pinLocked(i)
	db.cursors[c.h.id] = c
	return db.a.at(i).e.clone(), c.h, nil
}

// LookupNext continues an enumeration. It returns ErrEnd once every match
// has been returned and ErrInvalidated if a chain being walked changed since
// LookupFirst; in both cases the handle is released.
func (db *DB) LookupNext(h Handle) (Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return Entry{}, ErrClosed
	}
	c, ok := db.cursors[h.id]
	if !ok || c.h.stamp != h.stamp {
		return Entry{}, ErrInvalidHandle
	}
	for k, ch := range c.chains {
		if ch.gen != c.gens[k] {
			db.dropLocked(c)
			return Entry{}, ErrInvalidated
		}
	}

	i, pass := db.scanLocked(c.q, c.chains, c.last, c.pass)
	if i == none {
		db.dropLocked(c)
		return Entry{}, ErrEnd
	}
	db.pinLocked(i)
	db.unpinLocked(c.last)
	c.last, c.pass = i, pass
	c.expires = db.opt.Now().Add(db.opt.HandleTTL)
	return db.a.at(i).e.clone(), nil
}

// ReleaseHandle ends an enumeration early. Unknown handles are ignored.
func (db *DB) ReleaseHandle(h Handle) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.cursors[h.id]; ok && c.h.stamp == h.stamp {
		db.dropLocked(c)
	}
}

func (db *DB) dropLocked(c *cursor) {
	delete(db.cursors, c.h.id)
	db.unpinLocked(c.last)
}

// ReapHandles releases handles idle past their TTL and returns how many.
func (db *DB) ReapHandles(now time.Time) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, c := range db.cursors {
		if now.After(c.expires) {
			db.dropLocked(c)
			n++
		}
	}
	if n > 0 {
		db.logf("epdb: reaped %d idle lookup handles", n)
	}
	return n
}

// OpenHandles is the number of live lookup handles.
func (db *DB) OpenHandles() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.cursors)
}

// Map resolves an interface to compatible endpoints: the same interface
// UUID and major version with a minor version at or above the request, on
// the requested protocol. Entries registered for req.Object are preferred;
// without any, entries with no object are returned.
func (db *DB) Map(req MapRequest) ([]Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	var exact, fallback []Entry
	c := &db.ifs[bucketOf(req.Interface.UUID)]
	for i := c.head; i != none; i = db.a.next(c, i) {
		s := db.a.at(i)
		e := &s.e
		if s.deleted || e.Interface.UUID != req.Interface.UUID || e.Interface.Major != req.Interface.Major {
			continue
		}
		if e.Interface.Minor < req.Interface.Minor || e.Protocol.ID != req.Protocol {
			continue
		}
		switch {
		case req.Object != uuid.Nil && e.Object == req.Object:
			exact = append(exact, e.clone())
		case e.Object == uuid.Nil:
			fallback = append(fallback, e.clone())
		}
	}
	out := exact
	if len(out) == 0 {
		out = fallback
	}
	if len(out) == 0 {
		return nil, ErrNotRegistered
	}
	if req.Max > 0 && len(out) > req.Max {
		out = out[:req.Max]
	}
	return out, nil
}

// MapRequest is the input to Map.
type MapRequest struct {
	Object    uuid.UUID
	Interface IfID
	Protocol  uint8
	// Max limits the result; zero returns every match.
	Max int
}

// IsEnd reports whether err ends an enumeration, either normally or because
// it was invalidated.
func IsEnd(err error) bool {
	return errors.Is(err, ErrEnd) || errors.Is(err, ErrInvalidated)
}
