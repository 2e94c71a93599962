// Package concurrency bounds outbound resource fetches. A Limiter caps how
// many fetches run at once and trips a CircuitBreaker when a fetch backend
// keeps failing, so a dead widget host does not pin goroutines.
package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a fetch.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a snapshot of limiter activity.
type Metrics struct {
	Acquired int64
	Released int64
	Rejected int64
	Peak     int64
	Waited   time.Duration
}

// Limiter is a counting semaphore in front of a CircuitBreaker.
type Limiter struct {
	slots   chan struct{}
	breaker *CircuitBreaker

	mu      sync.Mutex
	active  int64
	metrics Metrics
}

// NewLimiter creates a limiter with the default breaker.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, nil)
}

// NewLimiterWithCircuitBreaker creates a limiter admitting at most
// maxConcurrent holders and consulting cb before each acquire. A nil cb gets
// the default breaker.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(0, 0)
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		breaker: cb,
	}
}

// Acquire waits for a slot. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker.IsOpen() {
		l.mu.Lock()
		l.metrics.Rejected++
		l.mu.Unlock()
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.active++
	l.metrics.Acquired++
	l.metrics.Waited += time.Since(start)
	if l.active > l.metrics.Peak {
		l.metrics.Peak = l.active
	}
	l.mu.Unlock()
	return nil
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		return
	}
	l.mu.Lock()
	l.active--
	l.metrics.Released++
	l.mu.Unlock()
}

// Do runs fn inside a slot and feeds its result to the breaker. Context
// cancellation is not counted against the backend.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn(ctx)
	switch {
	case err == nil:
		l.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		l.breaker.RecordFailure()
	}
	return err
}

// Active returns the number of slots in use.
func (l *Limiter) Active() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Metrics returns a snapshot of the counters.
func (l *Limiter) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

// Breaker returns the limiter's circuit breaker.
func (l *Limiter) Breaker() *CircuitBreaker {
	return l.breaker
}
