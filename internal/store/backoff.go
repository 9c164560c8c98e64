package store

import "time"

// Backoff implements exponential backoff starting at 100ms, factor 2,
// capped at 10s. A successful operation resets it. Shared by any
// store-facing caller that needs the policy (today: the matchmaker's
// pop-batch retry loop).
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff constructs a backoff at its initial (reset) state.
func NewBackoff() *Backoff {
	b := &Backoff{initial: 100 * time.Millisecond, max: 10 * time.Second}
	b.Reset()
	return b
}

// Next returns the delay to wait before the next attempt and advances the
// policy (doubling, capped at max).
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset restores the policy to its initial delay, called after any
// successful store operation.
func (b *Backoff) Reset() {
	b.current = b.initial
}
