package gateway

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial to Max
// with a little jitter so a fleet of clients does not reconnect in lockstep.
// Reset after a successful connect.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	mu      sync.Mutex
	attempt int
}

// DefaultBackoff matches the reconnect cadence used for gateway links:
// 1s, 2s, 4s ... capped at 30s.
func DefaultBackoff() *Backoff {
	return &Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}
}

// Next returns the delay before the next reconnect attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.Initial)
	for i := 0; i < b.attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	b.attempt++

	// Up to 10% jitter, always forward.
	d += d * 0.1 * rand.Float64()
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
