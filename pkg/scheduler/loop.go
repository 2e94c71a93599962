package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLoopClosed is returned by Do after Close.
var ErrLoopClosed = errors.New("scheduler loop is closed")

// Loop is a Scheduler backed by a single goroutine. The queue is unbounded
// so a turn may post any number of callbacks to its own loop.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewLoop starts a loop goroutine. Close must be called to stop it.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.wake:
		case <-l.done:
			return
		}
		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.turn(fn)
		}
	}
}

// turn runs one callback; a panicking callback must not kill the page loop.
func (l *Loop) turn(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in scheduler turn", zap.Any("panic", r))
		}
	}()
	fn()
}

// Post implements Scheduler. It never blocks; posts after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop and fire are both decided on the loop goroutine.
			if t.stopped {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.mu.Unlock()

	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop goroutine. Queued callbacks that have not run are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
}

// loopTimer fields other than timer are only touched on the loop goroutine.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
	fired   bool
}

// Stop must be called from a loop turn.
func (t *loopTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
