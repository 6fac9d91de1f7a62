package llm

import (
	"sync"
	"time"
)

// breakerState is the classic three-state machine.
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker guards the model provider. After threshold consecutive
// failures it opens for the cooldown, then admits a single half-open probe.
type CircuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	cooldown     time.Duration
	lastFailure  time.Time
	state        breakerState
	clock        func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     breakerClosed,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown transitions to half-open and admits the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if cb.clock().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

// Failure records a failure; at the threshold the breaker opens. A failed
// half-open probe reopens immediately.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

// State returns the current state name, for logs and metrics.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
