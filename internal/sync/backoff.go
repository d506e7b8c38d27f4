package sync

import (
	"math/rand"
	gosync "sync"
	"time"
)

// Backoff produces retry delays that double after every failure, from Min up
// to Max, with 50–100 % jitter. It is safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	mu      gosync.Mutex
	attempt int
}

// NewBackoff returns a Backoff starting at lo and capped at hi.
func NewBackoff(lo, hi time.Duration) *Backoff {
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = lo
	}
	return &Backoff{Min: lo, Max: hi}
}

// Next returns the delay before the next retry and advances the attempt
// counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	attempt := b.attempt
	b.attempt++
	b.mu.Unlock()

	delay := b.Max
	if attempt < 32 {
		if d := b.Min << attempt; d > 0 && d < b.Max {
			delay = d
		}
	}
	half := int64(delay) / 2
	if half <= 0 {
		return delay
	}
	// Jitter: uniform in [delay/2, delay).
	return time.Duration(half + rand.Int63n(half)) //nolint:gosec // jitter does not need crypto/rand
}

// Reset returns the backoff to its minimum after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempts returns the number of consecutive failures since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
