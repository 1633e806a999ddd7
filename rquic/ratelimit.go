package rquic

import (
	"context"
	"sync"
	"time"
)

// authThrottle refuses binds from a host for a while after one of its binds
// failed authentication. It is keyed by host so opening a new connection
// does not reset it. A nil *authThrottle allows everything.
type authThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	failed   map[string]time.Time
}

func newAuthThrottle(interval time.Duration) *authThrottle {
	if interval <= 0 {
		return nil
	}
	return &authThrottle{
		interval: interval,
		now:      time.Now,
		failed:   make(map[string]time.Time),
	}
}

// wait returns how long host must still wait before binding, or zero.
func (a *authThrottle) wait(host string) time.Duration {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.failed[host]
	if !ok {
		return 0
	}
	elapsed := a.now().Sub(t)
	if elapsed >= a.interval {
		delete(a.failed, host)
		return 0
	}
	return a.interval - elapsed
}

// fail records a failed authentication from host.
func (a *authThrottle) fail(host string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed[host] = a.now()
}

// cleanupLoop drops expired entries until ctx is done.
func (a *authThrottle) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup()
		}
	}
}

func (a *authThrottle) cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.interval)
	for host, t := range a.failed {
		if t.Before(cutoff) {
			delete(a.failed, host)
		}
	}
}
