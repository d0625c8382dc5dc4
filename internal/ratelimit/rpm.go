// Package ratelimit implements a sliding-window requests-per-minute limiter
// keyed by caller name.
package ratelimit

import (
	"sync"
	"time"
)

type RPMLimiter struct {
	mu       sync.Mutex
	rpm      int
	requests map[string][]time.Time
}

// New creates a limiter allowing rpm requests per minute per caller.
// rpm <= 0 disables limiting.
func New(rpm int) *RPMLimiter {
	return &RPMLimiter{
		rpm:      rpm,
		requests: make(map[string][]time.Time),
	}
}

// Allow reports whether caller may issue a request now, recording it if so.
func (r *RPMLimiter) Allow(caller string) bool {
	if r == nil || r.rpm <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	window := r.prune(caller, now)

	if len(window) >= r.rpm {
		r.requests[caller] = window
		return false
	}

	r.requests[caller] = append(window, now)
	return true
}

// Current returns the number of requests in the active window for caller.
func (r *RPMLimiter) Current(caller string) int {
	if r == nil || r.rpm <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	window := r.prune(caller, time.Now())
	r.requests[caller] = window
	return len(window)
}

// prune drops entries older than one minute. Must be called with mu held.
func (r *RPMLimiter) prune(caller string, now time.Time) []time.Time {
	window := r.requests[caller]
	cutoff := now.Add(-time.Minute)

	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
