package concurrency

import (
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	// StateClosed lets fetches through.
	StateClosed BreakerState = iota
	// StateOpen rejects fetches until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets fetches through to probe a recovering backend.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// halfOpenSuccesses is how many successes close a half-open breaker.
const halfOpenSuccesses = 3

// CircuitBreaker trips after a run of consecutive fetch failures and stays
// open for resetTimeout. Any failure while half-open trips it again.
type CircuitBreaker struct {
	threshold    int64
	resetTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int64
	successes int64
	openedAt  time.Time
	onChange  func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall
// back to 10 failures and a 30s reset.
func NewCircuitBreaker(threshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// OnStateChange registers fn to run, outside the breaker's lock, after every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// IsOpen reports whether fetches are currently rejected. An open breaker
// whose reset timeout has passed moves to half-open and admits the caller.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return false
	}
	if cb.now().Sub(cb.openedAt) <= cb.resetTimeout {
		cb.mu.Unlock()
		return true
	}
	notify := cb.moveLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return false
}

// RecordSuccess counts a fetch that succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	notify := func() {}
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= halfOpenSuccesses {
			notify = cb.moveLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure counts a fetch that failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.successes = 0
	cb.failures++
	notify := func() {}
	switch {
	case cb.state == StateHalfOpen:
		notify = cb.moveLocked(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		notify = cb.moveLocked(StateOpen)
	}
	cb.mu.Unlock()
	notify()
}

// RetryAfter returns how long an open breaker keeps rejecting, never less
// than a millisecond. It is zero when the breaker admits calls.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.resetTimeout - cb.now().Sub(cb.openedAt)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	// IsOpen flips to half-open only once the timeout is strictly exceeded
	return remaining + time.Millisecond
}

// State returns the current position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and forgets its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.moveLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	notify()
}

// moveLocked switches state and returns the callback to run once the lock is
// released.
func (cb *CircuitBreaker) moveLocked(to BreakerState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.successes = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	fn := cb.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}
