package registry

import (
	"context"
	"sync"

	"github.com/wehubfusion/Adorn/pkg/scheduler"
)

type waiter struct {
	sched scheduler.Scheduler
	fn    func(Outcome)
}

// Future is the shared handle on one resource load. All callers of
// EnsureLoaded for the same identity receive the same Future.
type Future struct {
	identity string

	mu      sync.Mutex
	outcome Outcome
	waiters []waiter
	done    chan struct{}
}

func newFuture(identity string) *Future {
	return &Future{
		identity: identity,
		outcome:  Outcome{State: Loading},
		done:     make(chan struct{}),
	}
}

func resolvedFuture(identity string, outcome Outcome) *Future {
	f := newFuture(identity)
	f.complete(outcome)
	return f
}

// Identity returns the resource identity.
func (f *Future) Identity() string {
	return f.identity
}

// Subscribe arranges for fn to run exactly once, on sched, with the final
// outcome. Waiters are notified in the order they subscribed. Subscribing
// after resolution posts fn immediately.
func (f *Future) Subscribe(sched scheduler.Scheduler, fn func(Outcome)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcome.State.Terminal() {
		outcome := f.outcome
		sched.Post(func() { fn(outcome) })
		return
	}
	f.waiters = append(f.waiters, waiter{sched: sched, fn: fn})
}

// Done is closed once the outcome is final and every waiter has been posted.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the current outcome. State is Loading until resolution.
func (f *Future) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (f *Future) complete(outcome Outcome) {
	f.mu.Lock()
	if f.outcome.State.Terminal() {
		f.mu.Unlock()
		return
	}
	f.outcome = outcome
	// Posted under the lock so a racing Subscribe lands behind these.
	for _, w := range f.waiters {
		fn := w.fn
		w.sched.Post(func() { fn(outcome) })
	}
	f.waiters = nil
	f.mu.Unlock()

	close(f.done)
}
