// Package epdb is the endpoint map database.
//
// Entries live in an arena and are threaded onto three kinds of doubly
// linked chains: one list of every entry, BucketCount chains hashed by
// object UUID and BucketCount chains hashed by interface UUID. Every chain
// has a generation that changes whenever an entry joins or leaves it.
//
// A single mutex covers every mutation and traversal. Lookups hand out
// copies and pin the slot they stopped at with a read reference, so an
// enumeration can release the lock between calls. MarkDeleted on a pinned
// slot only flags it; the slot is reclaimed when the last reference goes.
package epdb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("epdb: database closed")
	ErrNotFound      = errors.New("epdb: entry not found")
	ErrExists        = errors.New("epdb: entry already registered")
	ErrFull          = errors.New("epdb: database full")
	ErrInvalidEntry  = errors.New("epdb: invalid entry")
	ErrEnd           = errors.New("epdb: no more entries")
	ErrInvalidated   = errors.New("epdb: lookup invalidated by a concurrent change")
	ErrInvalidHandle = errors.New("epdb: unknown or expired lookup handle")
	ErrNotRegistered = errors.New("epdb: no compatible endpoint registered")
)

// DefaultHandleTTL is how long an idle lookup handle is kept.
const DefaultHandleTTL = 5 * time.Minute

// Observer receives database diagnostics.
type Observer interface {
	Logf(format string, v ...any)
}

// Options configures a DB. The zero value is usable.
type Options struct {
	// HandleTTL expires lookup handles not used for this long.
	HandleTTL time.Duration
	// MaxEntries limits live entries; zero is unlimited.
	MaxEntries int
	// OpenTimeout bounds waiting for the database file lock.
	OpenTimeout time.Duration
	Observer    Observer
	Now         func() time.Time
}

// DB is an endpoint map. It is safe for concurrent use.
type DB struct {
	opt      Options
	identity uuid.UUID
	store    *boltStore

	mu      sync.Mutex
	a       arena
	all     chain
	objs    [BucketCount]chain
	ifs     [BucketCount]chain
	count   int
	cursors map[uuid.UUID]*cursor
	stamp   uint64
	closed  bool
}

func newDB(opt Options) *DB {
	if opt.HandleTTL <= 0 {
		opt.HandleTTL = DefaultHandleTTL
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	db := &DB{
		opt:     opt,
		a:       newArena(),
		all:     newChain(chainAll),
		cursors: make(map[uuid.UUID]*cursor),
	}
	for i := range db.objs {
		db.objs[i] = newChain(chainObject)
		db.ifs[i] = newChain(chainInterface)
	}
	return db
}

// New returns a memory-only database.
func New(opt Options) *DB {
	db := newDB(opt)
	db.identity = uuid.New()
	return db
}

// Open opens or creates the database file at path and loads its entries.
// A file with an unknown format version or a malformed header is rejected
// with a *HeaderError.
func Open(path string, opt Options) (*DB, error) {
	st, err := openBolt(path, opt.OpenTimeout)
	if err != nil {
		return nil, err
	}
	db := newDB(opt)
	db.store = st
	db.identity = st.identity

	err = st.load(func(id uint64, e Entry) error {
		if err := e.validate(); err != nil {
			return fmt.Errorf("record %d: %w", id, err)
		}
		db.linkLocked(db.a.alloc(), e, id)
		return nil
	})
	if err != nil {
		st.close()
		return nil, fmt.Errorf("epdb: load %s: %w", path, err)
	}
	db.logf("epdb: opened %s (%s) with %d entries", path, db.identity, db.count)
	return db, nil
}

// Identity is the file identity UUID from the database header.
func (db *DB) Identity() uuid.UUID {
	return db.identity
}

func (db *DB) logf(format string, v ...any) {
	if db.opt.Observer == nil {
		return
	}
	db.opt.Observer.Logf(format, v...)
}

// Close drops every lookup handle and closes the file.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	for _, c := range db.cursors {
		db.dropLocked(c)
	}
	if db.store != nil {
		return db.store.close()
	}
	return nil
}

// Len is the number of live entries.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.count
}

// Entries returns a copy of every live entry in insertion order.
func (db *DB) Entries() []Entry {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Entry, 0, db.count)
	for i := db.all.head; i != none; i = db.a.next(&db.all, i) {
		if s := db.a.at(i); !s.deleted {
			out = append(out, s.e.clone())
		}
	}
	return out
}

func (db *DB) linkLocked(i index, e Entry, id uint64) {
	s := db.a.at(i)
	s.e = e
	s.id = id
	s.objBucket = bucketOf(e.Object)
	s.ifBucket = bucketOf(e.Interface.UUID)
	db.a.pushBack(&db.all, i)
	db.a.pushBack(&db.objs[s.objBucket], i)
	db.a.pushBack(&db.ifs[s.ifBucket], i)
	db.count++
}

func (db *DB) reclaimLocked(i index) {
	s := db.a.at(i)
	db.a.unlink(&db.all, i)
	db.a.unlink(&db.objs[s.objBucket], i)
	db.a.unlink(&db.ifs[s.ifBucket], i)
	db.a.release(i)
}

func (db *DB) pinLocked(i index) {
	db.a.at(i).refs++
}

func (db *DB) unpinLocked(i index) {
	s := db.a.at(i)
	s.refs--
	if s.refs == 0 && s.deleted {
		db.reclaimLocked(i)
	}
}

// findLocked returns the live slot with key k.
func (db *DB) findLocked(k EntryKey) index {
	c := &db.objs[bucketOf(k.Object)]
	for i := c.head; i != none; i = db.a.next(c, i) {
		s := db.a.at(i)
		if !s.deleted && s.e.Key() == k {
			return i
		}
	}
	return none
}

// Insert registers e. An entry with the same key is replaced in place.
func (db *DB) Insert(e Entry) error {
	return db.insert(e, true)
}

// InsertNew registers e unless an entry with the same key exists, in which
// case it returns ErrExists.
func (db *DB) InsertNew(e Entry) error {
	return db.insert(e, false)
}

// Get returns the live entry with key k.
func (db *DB) Get(k EntryKey) (Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return Entry{}, ErrClosed
	}
	i := db.findLocked(k)
	if i == none {
		return Entry{}, fmt.Errorf("%w: %s at %s", ErrNotFound, k.Interface, k.Addr)
	}
	return db.a.at(i).e.clone(), nil
}

func (db *DB) insert(e Entry, replace bool) error {
	if err := e.validate(); err != nil {
		return err
	}
	e = e.clone()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if i := db.findLocked(e.Key()); i != none {
		if !replace {
			return fmt.Errorf("%w: %s at %s", ErrExists, e.Interface, e.Addr)
		}
		return db.replaceLocked(i, e)
	}
	if db.opt.MaxEntries > 0 && db.count >= db.opt.MaxEntries {
		return ErrFull
	}
	return db.addLocked(e)
}

func (db *DB) addLocked(e Entry) error {
	var id uint64
	if db.store != nil {
		var err error
		if id, err = db.store.add(e); err != nil {
			return err
		}
	}
	db.linkLocked(db.a.alloc(), e, id)
	return nil
}

// InsertAll registers every entry or none of them. Every entry is checked
// against the map before the first is written, so a request that would fail
// with ErrInvalidEntry, ErrExists or ErrFull leaves the map unchanged. Later
// entries win when the batch repeats a key and replace is set.
func (db *DB) InsertAll(entries []Entry, replace bool) error {
	batch := make([]Entry, len(entries))
	for n, e := range entries {
		if err := e.validate(); err != nil {
			return fmt.Errorf("entry %d: %w", n, err)
		}
		batch[n] = e.clone()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	added := 0
	seen := make(map[EntryKey]bool, len(batch))
	for n, e := range batch {
		k := e.Key()
		exists := seen[k] || db.findLocked(k) != none
		if exists && !replace {
			return fmt.Errorf("entry %d: %w: %s at %s", n, ErrExists, e.Interface, e.Addr)
		}
		if !exists {
			added++
		}
		seen[k] = true
	}
	if db.opt.MaxEntries > 0 && db.count+added > db.opt.MaxEntries {
		return ErrFull
	}
	for _, e := range batch {
		var err error
		if i := db.findLocked(e.Key()); i != none {
			err = db.replaceLocked(i, e)
		} else {
			err = db.addLocked(e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) replaceLocked(i index, e Entry) error {
	s := db.a.at(i)
	if db.store != nil {
		if err := db.store.put(s.id, e); err != nil {
			return err
		}
	}
	s.e = e
	s.failures = 0
	return nil
}

// UpdateInPlace replaces the address, tower and other non-key fields of the
// live entry with the same object and interface. Chain generations are not
// changed, so enumerations in progress continue.
func (db *DB) UpdateInPlace(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	e = e.clone()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	target := none
	c := &db.objs[bucketOf(e.Object)]
	for i := c.head; i != none; i = db.a.next(c, i) {
		s := db.a.at(i)
		if !s.deleted && s.e.Object == e.Object && s.e.Interface == e.Interface {
			target = i
			break
		}
	}
	if target == none {
		return fmt.Errorf("%w: %s %s", ErrNotFound, e.Object, e.Interface)
	}
	if j := db.findLocked(e.Key()); j != none && j != target {
		return fmt.Errorf("%w: %s at %s", ErrExists, e.Interface, e.Addr)
	}
	return db.replaceLocked(target, e)
}

// MarkDeleted removes the entry with key k. A slot pinned by a lookup or a
// sweep stays allocated until it is released, but is no longer visible.
func (db *DB) MarkDeleted(k EntryKey) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	i := db.findLocked(k)
	if i == none {
		return fmt.Errorf("%w: %s at %s", ErrNotFound, k.Interface, k.Addr)
	}
	return db.markDeletedLocked(i)
}

// MarkDeletedAll removes every entry or none of them. If any key is not
// registered, or a key repeats, it returns ErrNotFound and the map is
// unchanged.
func (db *DB) MarkDeletedAll(keys []EntryKey) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	slots := make([]index, len(keys))
	seen := make(map[EntryKey]bool, len(keys))
	for n, k := range keys {
		i := db.findLocked(k)
		if i == none || seen[k] {
			return fmt.Errorf("entry %d: %w: %s at %s", n, ErrNotFound, k.Interface, k.Addr)
		}
		seen[k] = true
		slots[n] = i
	}
	for _, i := range slots {
		if err := db.markDeletedLocked(i); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) markDeletedLocked(i index) error {
	s := db.a.at(i)
	if db.store != nil {
		if err := db.store.delete(s.id); err != nil {
			return err
		}
	}
	s.deleted = true
	db.count--
	db.all.gen++
	db.objs[s.objBucket].gen++
	db.ifs[s.ifBucket].gen++
	if s.refs == 0 {
		db.reclaimLocked(i)
	}
	return nil
}

// slotStats reports arena usage: allocated slots and those awaiting reclaim.
func (db *DB) slotStats() (allocated, pending int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.a.slots {
		s := &db.a.slots[i]
		if !s.used {
			continue
		}
		allocated++
		if s.deleted {
			pending++
		}
	}
	return allocated, pending
}
