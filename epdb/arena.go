package epdb

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// BucketCount is the size of the object and interface hash tables.
const BucketCount = 64

// index addresses a slot in the arena.
type index int32

const none index = -1

// chainKind names one of the three lists a slot belongs to.
type chainKind uint8

const (
	chainAll chainKind = iota
	chainObject
	chainInterface
)

type link struct {
	prev, next index
}

// chain is a doubly linked list threaded through slots, with a generation
// bumped whenever its membership changes.
type chain struct {
	kind       chainKind
	head, tail index
	gen        uint64
}

type slot struct {
	used bool
	e    Entry

	// id is the persistent record id, zero for memory-only databases.
	id uint64

	refs     int32
	failures int
	deleted  bool

	links     [3]link
	objBucket uint8
	ifBucket  uint8

	nextFree index
}

type arena struct {
	slots []slot
	free  index
	live  int
}

func newArena() arena {
	return arena{free: none}
}

func (a *arena) at(i index) *slot {
	return &a.slots[i]
}

func (a *arena) alloc() index {
	var i index
	if a.free != none {
		i = a.free
		a.free = a.slots[i].nextFree
	} else {
		a.slots = append(a.slots, slot{})
		i = index(len(a.slots) - 1)
	}
	s := &a.slots[i]
	*s = slot{used: true, nextFree: none}
	for k := range s.links {
		s.links[k] = link{prev: none, next: none}
	}
	a.live++
	return i
}

func (a *arena) release(i index) {
	a.slots[i] = slot{nextFree: a.free}
	a.free = i
	a.live--
}

func newChain(kind chainKind) chain {
	return chain{kind: kind, head: none, tail: none}
}

func (a *arena) pushBack(c *chain, i index) {
	l := &a.slots[i].links[c.kind]
	l.prev, l.next = c.tail, none
	if c.tail != none {
		a.slots[c.tail].links[c.kind].next = i
	} else {
		c.head = i
	}
	c.tail = i
	c.gen++
}

// unlink removes a slot from c without bumping c.gen. Slots are only
// unlinked once logically deleted, which already bumped it.
func (a *arena) unlink(c *chain, i index) {
	l := &a.slots[i].links[c.kind]
	if l.prev != none {
		a.slots[l.prev].links[c.kind].next = l.next
	} else {
		c.head = l.next
	}
	if l.next != none {
		a.slots[l.next].links[c.kind].prev = l.prev
	} else {
		c.tail = l.prev
	}
	l.prev, l.next = none, none
}

func (a *arena) next(c *chain, i index) index {
	return a.slots[i].links[c.kind].next
}

func bucketOf(u uuid.UUID) uint8 {
	h := fnv.New32a()
	h.Write(u[:])
	return uint8(h.Sum32() % BucketCount)
}
