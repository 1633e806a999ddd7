// Package rmock provides test doubles shared by the runtime's package tests.
package rmock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/rpcrt/assoc"
)

// TestLogger forwards Logf to the test log until the test ends.
type TestLogger struct {
	t    testing.TB
	Logs chan string

	mu   sync.Mutex
	done bool
}

func NewTestLogger(t testing.TB) *TestLogger {
	l := &TestLogger{
		t:    t,
		Logs: make(chan string, 100),
	}
	// Set done synchronously when the test ends; t.Logf panics afterwards.
	t.Cleanup(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	})
	return l
}

func (l *TestLogger) Logf(format string, v ...any) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	msg := fmt.Sprintf(format, v...)
	now := time.Now()
	l.t.Logf("%d.%03d: %s", now.Second(), now.Nanosecond()/1e6, msg)
	l.mu.Unlock()

	select {
	case l.Logs <- msg:
	default:
	}
}

// GroupObserver is an assoc.Observer that counts transitions and frees per
// group so tests can check that every group is deallocated exactly once.
type GroupObserver struct {
	*TestLogger

	// Freed receives the info of every deallocated group, if there is room.
	Freed chan assoc.Info

	mu          sync.Mutex
	transitions int
	created     map[assoc.Key]int
	frees       map[assoc.Key]int
}

var _ assoc.Observer = (*GroupObserver)(nil)

func NewGroupObserver(t testing.TB) *GroupObserver {
	return &GroupObserver{
		TestLogger: NewTestLogger(t),
		Freed:      make(chan assoc.Info, 1000),
		created:    make(map[assoc.Key]int),
		frees:      make(map[assoc.Key]int),
	}
}

func (o *GroupObserver) OnTransition(k assoc.Key, ev assoc.Event, from, to assoc.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions++
	if ev == assoc.EventNew {
		o.created[k]++
	}
}

func (o *GroupObserver) OnFree(info assoc.Info) {
	o.mu.Lock()
	o.frees[info.Key]++
	o.mu.Unlock()

	select {
	case o.Freed <- info:
	default:
	}
}

// FreeCount returns how many times the group was deallocated.
func (o *GroupObserver) FreeCount(k assoc.Key) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frees[k]
}

// Leaked returns keys created but never freed and keys freed more often than
// created.
func (o *GroupObserver) Leaked() (leaked, doubleFreed []assoc.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k, n := range o.created {
		switch f := o.frees[k]; {
		case f < n:
			leaked = append(leaked, k)
		case f > n:
			doubleFreed = append(doubleFreed, k)
		}
	}
	return leaked, doubleFreed
}

// Transitions returns the number of applied events.
func (o *GroupObserver) Transitions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitions
}

// WaitFreed waits for the group to be deallocated.
func (o *GroupObserver) WaitFreed(k assoc.Key, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.FreeCount(k) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return o.FreeCount(k) > 0
}
