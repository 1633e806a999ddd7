// Package liveness closes idle server-side association groups.
//
// Each watched group gets two goroutines. The heartbeat polls the group's
// member count and last activity on a ticker; once the group has had no
// members for the grace period it marks the watch idle and signals a
// condition variable. The signaler sleeps on that condition variable until
// woken and then raises NO_CALLS_IND into the group table.
package liveness

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kardianos/rpcrt/assoc"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultGrace        = 60 * time.Second
	DefaultInterval     = 10 * time.Second
	DefaultRetryBackoff = 5 * time.Second
)

var (
	ErrNotServer = errors.New("liveness: only server groups can be watched")
	ErrClosed    = errors.New("liveness: monitor closed")
	ErrWatched   = errors.New("liveness: group already watched")
)

// Observer receives log lines from the monitor.
type Observer interface {
	Logf(format string, v ...any)
}

// Config configures a Monitor.
type Config struct {
	// Grace is how long a server group must have zero members, measured
	// from its last activity, before NO_CALLS_IND is raised.
	Grace time.Duration
	// Interval is the heartbeat period.
	Interval time.Duration
	// RetryBackoff is the wait before re-raising after an unexpected error.
	RetryBackoff time.Duration

	Observer Observer
	Now      func() time.Time
}

// Monitor watches server groups of one table.
type Monitor struct {
	groups *assoc.Table
	cfg    Config

	mu      sync.Mutex
	watches map[assoc.Key]*watch
	closed  bool
	wg      sync.WaitGroup
}

type watch struct {
	key  assoc.Key
	done chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	idle    bool
	stopped bool
}

// New creates a monitor for the table.
func New(groups *assoc.Table, cfg Config) *Monitor {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		groups:  groups,
		cfg:     cfg,
		watches: make(map[assoc.Key]*watch),
	}
}

func (m *Monitor) logf(format string, v ...any) {
	if m.cfg.Observer == nil {
		return
	}
	m.cfg.Observer.Logf(format, v...)
}

// Watch starts the heartbeat and signaler for a server group.
func (m *Monitor) Watch(k assoc.Key) error {
	if k.Role != assoc.RoleServer {
		return fmt.Errorf("%w: %s", ErrNotServer, k)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.watches[k]; ok {
		return fmt.Errorf("%w: %s", ErrWatched, k)
	}
	w := &watch{
		key:  k,
		done: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	m.watches[k] = w

	m.wg.Add(2)
	go m.heartbeat(w)
	go m.signaler(w)
	return nil
}

// Unwatch stops watching a group without closing it.
func (m *Monitor) Unwatch(k assoc.Key) {
	m.mu.Lock()
	w := m.watches[k]
	m.mu.Unlock()
	if w != nil {
		m.stop(w)
	}
}

// Watching reports whether the group is currently watched.
func (m *Monitor) Watching(k assoc.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[k]
	return ok
}

// Close stops all watches and waits for their goroutines.
func (m *Monitor) Close() error {
	m.mu.Lock()
	m.closed = true
	ws := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	for _, w := range ws {
		m.stop(w)
	}
	m.wg.Wait()
	return nil
}

func (m *Monitor) stop(w *watch) {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
		w.cond.Broadcast()
	}
	w.mu.Unlock()

	m.mu.Lock()
	if m.watches[w.key] == w {
		delete(m.watches, w.key)
	}
	m.mu.Unlock()
}

func (w *watch) signal() {
	w.mu.Lock()
	w.idle = true
	w.cond.Signal()
	w.mu.Unlock()
}

func (m *Monitor) heartbeat(w *watch) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}

		info, ok := m.groups.Info(w.key)
		if !ok {
			m.stop(w)
			return
		}
		if info.Members > 0 {
			continue
		}
		if m.cfg.Now().Sub(info.LastActivity) >= m.cfg.Grace {
			w.signal()
		}
	}
}

func (m *Monitor) signaler(w *watch) {
	defer m.wg.Done()

	for {
		w.mu.Lock()
		for !w.idle && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.idle = false
		w.mu.Unlock()

		_, err := m.groups.Raise(w.key, assoc.EventNoCallsInd, assoc.Payload{})
		switch {
		case err == nil:
			m.logf("liveness: group %s idle for %v, closed", w.key, m.cfg.Grace)
			m.stop(w)
			return
		case errors.Is(err, assoc.ErrUnknownGroup):
			m.stop(w)
			return
		case errors.Is(err, assoc.ErrContractViolation):
			// An association attached between the heartbeat and the raise.
			continue
		default:
			m.logf("liveness: group %s: %v, retrying in %v", w.key, err, m.cfg.RetryBackoff)
			select {
			case <-w.done:
				return
			case <-time.After(m.cfg.RetryBackoff):
			}
			w.signal()
		}
	}
}
