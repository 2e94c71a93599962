package placement

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one placement.
type State int

const (
	Idle State = iota
	ContainerCreated
	ResourceRequested
	AwaitingProbe
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ContainerCreated:
		return "container_created"
	case ResourceRequested:
		return "resource_requested"
	case AwaitingProbe:
		return "awaiting_probe"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is Succeeded or Exhausted.
func (s State) Terminal() bool {
	return s == Succeeded || s == Exhausted
}

// Status is the externally visible result of a placement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusExhausted Status = "exhausted"
)

// Status maps a state to its status.
func (s State) Status() Status {
	switch s {
	case Succeeded:
		return StatusSuccess
	case Exhausted:
		return StatusExhausted
	default:
		return StatusPending
	}
}

// Attempt records one probe.
type Attempt struct {
	// Number is 1-based.
	Number  int
	Delay   time.Duration
	At      time.Time
	Matched bool
	// Err is the activation error preceding this probe, if any.
	Err error
}

// Outcome is the terminal report of a placement.
type Outcome struct {
	PlacementID string
	Identity    string
	State       State
	Attempts    []Attempt
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Status returns the outcome's status.
func (o Outcome) Status() Status {
	return o.State.Status()
}
