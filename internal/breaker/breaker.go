// Package breaker isolates the matchmaker from a failing shared store or a
// downstream pub/sub with no subscribers by tripping open after repeated
// failures and fast-failing calls until a cooldown elapses. It's a small
// hand-rolled state machine: a struct guarded by a sync.Mutex, the same
// shape as the in-process mutex-guarded managers used elsewhere for
// Redis-backed matchmaking state.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that check Allow() and find the circuit
// open; it lets a caller wrap a fail-fast rejection with the same typed
// error kind it would use for a real store timeout.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit breaker's externally observable state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a per-dependency circuit breaker: consecutive_failures, open_until_timestamp, threshold and
// cooldown.
type Breaker struct {
	mu                  sync.Mutex
	threshold           uint64
	cooldown            time.Duration
	consecutiveFailures uint64
	openUntil           time.Time
	nowFn               func() time.Time
}

// New constructs a Breaker with the given failure threshold and cooldown.
// A zero threshold or cooldown falls back to a sane default.
func New(threshold uint64, cooldown time.Duration) *Breaker {
	if threshold == 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, nowFn: time.Now}
}

// Allow reports whether a call may proceed. When the breaker is open and the
// cooldown has not yet elapsed, it fails fast without touching the
// dependency. Once now >= open_until, Allow returns true to let a single
// trial call through (half-open behavior); the trial call's outcome (via
// Success/Failure) decides whether the breaker closes or reopens.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state() {
	case Closed:
		return true
	case HalfOpen:
		return true
	default: // Open
		return false
	}
}

// state returns the current state without locking; callers must hold mu.
func (b *Breaker) state() State {
	if b.consecutiveFailures < b.threshold {
		return Closed
	}
	if b.nowFn().Before(b.openUntil) {
		return Open
	}
	return HalfOpen
}

// State reports the breaker's current state for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

// Success records a successful call: resets the failure counter and clears
// open_until.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.openUntil = time.Time{}
}

// Failure records a failed call. Once consecutive_failures reaches the
// threshold, the breaker opens with open_until = now + cooldown. A failure
// recorded during the half-open trial re-opens the breaker for another full
// cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold {
		b.openUntil = b.nowFn().Add(b.cooldown)
	}
}
