// Package scheduler runs callbacks as discrete turns on one logical thread.
//
// All engine state for a page is touched only from callbacks executed by a
// Scheduler, so no component needs locks for its own state. Suspension points
// (probe delays, resource waits) are expressed as timers or posted callbacks.
package scheduler

import "time"

// Scheduler executes callbacks serially.
type Scheduler interface {
	// Post queues fn to run in a later turn. It never blocks and is safe to
	// call from any goroutine, including from within a turn.
	Post(fn func())

	// AfterFunc queues fn to run in a turn no earlier than d from now.
	AfterFunc(d time.Duration, fn func()) Timer

	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// Timer is a handle to a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }
