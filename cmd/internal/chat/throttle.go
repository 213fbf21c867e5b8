package chat

import (
	"context"
	"sync"
	"time"
)

// SendThrottle is a keyed last-attempt store with TTL semantics: once an
// attempt for key is allowed, further attempts are refused until the
// interval elapses.
//
// Release hands back the slot taken by the Allow call made at at. It is a
// no-op when a later attempt has since replaced it.
type SendThrottle interface {
	Allow(ctx context.Context, key string, now time.Time) (ok bool, retryAfter time.Duration, err error)
	Release(ctx context.Context, key string, at time.Time) error
}

// MemoryThrottle is a single-process SendThrottle.
type MemoryThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time

	sweepEvery int
	calls      int
}

// NewMemoryThrottle constructs a MemoryThrottle. interval <= 0 allows everything.
func NewMemoryThrottle(interval time.Duration) *MemoryThrottle {
	return &MemoryThrottle{
		interval:   interval,
		last:       make(map[string]time.Time),
		sweepEvery: 1024,
	}
}

// Allow reports whether an attempt for key at now is permitted and records it.
func (t *MemoryThrottle) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	if t.interval <= 0 {
		return true, 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.calls%t.sweepEvery == 0 {
		t.sweepLocked(now)
	}

	if prev, ok := t.last[key]; ok {
		if wait := prev.Add(t.interval).Sub(now); wait > 0 {
			return false, wait, nil
		}
	}
	t.last[key] = now
	return true, 0, nil
}

// Release forgets the attempt recorded for key at at.
func (t *MemoryThrottle) Release(_ context.Context, key string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.last[key]; ok && prev.Equal(at) {
		delete(t.last, key)
	}
	return nil
}

// sweepLocked drops entries whose TTL has passed to bound memory.
func (t *MemoryThrottle) sweepLocked(now time.Time) {
	cut := now.Add(-t.interval)
	for k, at := range t.last {
		if !at.After(cut) {
			delete(t.last, k)
		}
	}
}
