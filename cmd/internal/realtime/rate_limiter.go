package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter: at most limit
// events in any window. It keeps the last limit accepted timestamps in a ring.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // oldest entry once the ring is full
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs fall back to
// the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at now and reports whether it fits the window.
// Refused events are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) < r.limit {
		r.ring = append(r.ring, now)
		return true
	}
	if r.ring[r.head].After(now.Add(-r.window)) {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % r.limit
	return true
}

// RetryAfter is how long until Allow(now) would succeed; zero if it would now.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) < r.limit {
		return 0
	}
	if d := r.ring[r.head].Add(r.window).Sub(now); d > 0 {
		return d
	}
	return 0
}
