package epdb

import (
	"context"
)

// ProbeFunc checks that the server behind an entry still answers.
type ProbeFunc func(ctx context.Context, e Entry) error

// Sweep probes every live entry with the database unlocked. An entry whose
// probe fails maxFailures times in a row is deleted; a success resets its
// count. It returns the number of entries deleted.
func (db *DB) Sweep(ctx context.Context, probe ProbeFunc, maxFailures int) (int, error) {
	if maxFailures < 1 {
		maxFailures = 1
	}

	type pinned struct {
		i index
		e Entry
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return 0, ErrClosed
	}
	var list []pinned
	for i := db.all.head; i != none; i = db.a.next(&db.all, i) {
		s := db.a.at(i)
		if s.deleted {
			continue
		}
		db.pinLocked(i)
		list = append(list, pinned{i: i, e: s.e.clone()})
	}
	db.mu.Unlock()

	removed := 0
	var firstErr error
	for n, p := range list {
		if ctx.Err() != nil {
			db.mu.Lock()
			for _, rest := range list[n:] {
				db.unpinLocked(rest.i)
			}
			db.mu.Unlock()
			return removed, ctx.Err()
		}

		perr := probe(ctx, p.e)

		gone := false
		db.mu.Lock()
		s := db.a.at(p.i)
		failures := s.failures + 1
		switch {
		case s.deleted:
		case perr == nil:
			s.failures = 0
		default:
			s.failures++
			if s.failures >= maxFailures {
				if err := db.markDeletedLocked(p.i); err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					gone = true
				}
			}
		}
		db.unpinLocked(p.i)
		db.mu.Unlock()

		if gone {
			removed++
			db.logf("epdb: removed %s at %s after %d failed probes: %v", p.e.Interface, p.e.Addr, failures, perr)
		}
	}
	return removed, firstErr
}
