package outbox

import (
	"sync"
	"time"
)

// CircuitState is the state of the outbox circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // storage failing, calls refused
	CircuitHalfOpen                     // probing after the open timeout
)

// String returns the state name
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops hammering a failing database
type CircuitBreaker struct {
	mu                sync.Mutex
	state             CircuitState
	consecutiveErrors int
	threshold         int
	halfOpenSuccesses int
	timeout           time.Duration
	openUntil         time.Time
	lastFailure       time.Time
	now               func() time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout, now: time.Now}
}

// allow reports whether a call may proceed
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().After(cb.openUntil) {
		cb.state = CircuitHalfOpen
		cb.halfOpenSuccesses = 0
	}
	return cb.state != CircuitOpen
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErrors = 0
	if cb.state == CircuitHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= 3 {
			cb.state = CircuitClosed
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErrors++
	cb.lastFailure = cb.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveErrors >= cb.threshold {
		cb.state = CircuitOpen
		cb.openUntil = cb.now().Add(cb.timeout)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastFailure returns when the last failure was recorded
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}
