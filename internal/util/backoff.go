package util

import "time"

// Backoff paces repeated failures with an exponentially growing delay.
// It is owned by a single goroutine and is not safe for concurrent use.
type Backoff struct {
	current  time.Duration
	initial  time.Duration
	maxDelay time.Duration
	failures int
}

// NewBackoff returns a new Backoff with the given initial and maximum delays.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{
		current:  initial,
		initial:  initial,
		maxDelay: maxDelay,
	}
}

// Next records a failure and returns the delay to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.failures++
	delay := b.current
	b.current = min(b.current*2, b.maxDelay)
	return delay
}

// Failures returns the number of failures recorded since the last Reset.
func (b *Backoff) Failures() int {
	return b.failures
}

// Reset clears the failure streak and restores the initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
	b.failures = 0
}
