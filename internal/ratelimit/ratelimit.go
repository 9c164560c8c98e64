// Package ratelimit implements the per-source ingress rate limit hook on
// the Match Coordinator: a token bucket per source identifier built on
// golang.org/x/time/rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per source identifier (typically a player
// or connection id), created lazily on first use.
type Limiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// New constructs a Limiter enforcing rps requests/second per source, with a
// burst equal to rps truncated to an integer, and at least 1.
func New(rps float64) *Limiter {
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from sourceID may proceed right now. When
// the limit is exceeded it returns false without blocking; turning that into
// a typed error for the client is the caller's job.
func (l *Limiter) Allow(sourceID string) bool {
	return l.bucketFor(sourceID).Allow()
}

func (l *Limiter) bucketFor(sourceID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[sourceID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[sourceID] = b
	}
	return b
}

// Forget releases the bucket for sourceID, called on session teardown so
// long-lived processes don't accumulate one bucket per ever-connected
// player forever.
func (l *Limiter) Forget(sourceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sourceID)
}
