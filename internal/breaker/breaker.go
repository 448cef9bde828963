// Package breaker trips after consecutive failures of a backend and keeps it
// out of rotation until a reset timeout passes.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Breaker struct {
	clock         clockwork.Clock
	failThreshold int
	resetTimeout  time.Duration

	mu           sync.Mutex
	failureCount int
	tripped      bool
	tripTime     time.Time
}

// New returns a breaker that opens after threshold consecutive failures.
// A threshold <= 0 disables it.
func New(clock clockwork.Clock, threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		clock:         clock,
		failThreshold: threshold,
		resetTimeout:  resetTimeout,
	}
}

// RecordFailure records a failure and reports whether the breaker is now open.
func (b *Breaker) RecordFailure() bool {
	if b.failThreshold <= 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.failureCount >= b.failThreshold && !b.tripped {
		b.tripped = true
		b.tripTime = b.clock.Now()
	}

	return b.tripped
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.tripped = false
}

// IsOpen reports whether calls should skip the backend. Once the reset timeout
// passes the breaker half-opens: the next call goes through, and a single
// failure trips it again.
func (b *Breaker) IsOpen() bool {
	if b.failThreshold <= 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped && b.clock.Since(b.tripTime) >= b.resetTimeout {
		b.tripped = false
		b.failureCount = b.failThreshold - 1
	}

	return b.tripped
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tripped = false
	b.failureCount = 0
}
