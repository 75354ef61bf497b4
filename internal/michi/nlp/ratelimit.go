package nlp

import (
	"sync"
	"time"

	"github.com/bdobrica/michi/common/clock"
)

const (
	// DefaultRateLimit is the maximum number of AI classification calls
	// allowed per user per minute when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-user sliding-window limit on AI calls.
// It is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	clock    clock.Clock
	counters map[string][]time.Time // userID → call timestamps in window
}

// NewRateLimiter returns a RateLimiter that allows at most limit calls per
// user within window. Non-positive values fall back to the defaults; a nil
// clock means the wall clock.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		clock:    clock.OrReal(clk),
		counters: make(map[string][]time.Time),
	}
}

// Allow records a call and reports whether it is within the user's quota.
// A nil limiter allows everything.
func (r *RateLimiter) Allow(userID string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	valid := r.prune(userID, now)
	if len(valid) >= r.limit {
		r.counters[userID] = valid
		return false
	}
	r.counters[userID] = append(valid, now)
	return true
}

// Remaining returns how many calls the user can still make in the window.
func (r *RateLimiter) Remaining(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.prune(userID, r.clock.Now())
	if len(valid) == 0 {
		delete(r.counters, userID)
	} else {
		r.counters[userID] = valid
	}
	return max(r.limit-len(valid), 0)
}

// prune drops timestamps outside the window. Must be called with mu held.
func (r *RateLimiter) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[userID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
