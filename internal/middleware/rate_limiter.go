// Package middleware holds cross-cutting gateway concerns that sit in
// front of the session layer and REST handlers.
package middleware

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-key token bucket, used to throttle
// operator CLI RPCs per connection so one misbehaving client cannot
// starve the scheduler loop of goroutine time.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	lastSeen map[string]time.Time
}

// NewRateLimiter creates a limiter allowing rps requests/second per key,
// with burst headroom above that.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	rl := &RateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key may proceed right now,
// consuming one token if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = rate.NewLimiter(rl.rps, rl.burst)
		rl.buckets[key] = b
	}
	rl.lastSeen[key] = time.Now()
	rl.mu.Unlock()

	allowed := b.Allow()
	if !allowed {
		slog.Debug("rate limit exceeded", "key", key)
	}
	return allowed
}

// cleanup evicts buckets for keys idle longer than ten minutes, so a
// long-lived gateway doesn't accumulate one bucket per ever-connected
// CLI session forever.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for key, seen := range rl.lastSeen {
			if seen.Before(cutoff) {
				delete(rl.buckets, key)
				delete(rl.lastSeen, key)
			}
		}
		rl.mu.Unlock()
	}
}
