package scheduler

import "time"

// Group scopes timers to one owner (a page instance) so they can be
// cancelled as a unit. A Group must only be used from its scheduler's turns
// (or, for Manual, from the goroutine driving it).
type Group struct {
	parent  Scheduler
	pending map[*groupTimer]struct{}
	stopped bool
}

// NewGroup wraps parent.
func NewGroup(parent Scheduler) *Group {
	return &Group{
		parent:  parent,
		pending: make(map[*groupTimer]struct{}),
	}
}

type groupTimer struct {
	g     *Group
	inner Timer
}

func (t *groupTimer) Stop() bool {
	delete(t.g.pending, t)
	return t.inner.Stop()
}

// Post implements Scheduler and, unlike the other methods, is safe from any
// goroutine. Callbacks that reach their turn after StopAll are skipped.
func (g *Group) Post(fn func()) {
	g.parent.Post(func() {
		if g.stopped {
			return
		}
		fn()
	})
}

// AfterFunc implements Scheduler. After StopAll it returns an inert timer.
func (g *Group) AfterFunc(d time.Duration, fn func()) Timer {
	if g.stopped {
		return stoppedTimer{}
	}
	t := &groupTimer{g: g}
	t.inner = g.parent.AfterFunc(d, func() {
		delete(g.pending, t)
		if g.stopped {
			return
		}
		fn()
	})
	g.pending[t] = struct{}{}
	return t
}

// Now implements Scheduler.
func (g *Group) Now() time.Time {
	return g.parent.Now()
}

// Pending returns the number of outstanding timers.
func (g *Group) Pending() int {
	return len(g.pending)
}

// StopAll cancels every outstanding timer and rejects further scheduling.
// It returns how many timers were cancelled.
func (g *Group) StopAll() int {
	g.stopped = true
	n := 0
	for t := range g.pending {
		if t.inner.Stop() {
			n++
		}
		delete(g.pending, t)
	}
	return n
}

// Stopped reports whether StopAll was called.
func (g *Group) Stopped() bool {
	return g.stopped
}
