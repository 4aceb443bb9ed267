package triggers

import (
	"sync"
	"time"
)

// rateLimiter keeps a sliding window of launch times per trigger.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string][]time.Time)}
}

// allow records a launch at now and reports true when fewer than max
// launches happened within the preceding window.
func (r *rateLimiter) allow(id string, max int, window time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-window)
	hits := r.windows[id]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		r.windows[id] = kept
		return false
	}
	r.windows[id] = append(kept, now)
	return true
}

func (r *rateLimiter) forget(id string) {
	r.mu.Lock()
	delete(r.windows, id)
	r.mu.Unlock()
}
