// Package errors defines the error taxonomy of the augmentation engine.
// None of these errors is ever surfaced to the page layer; they travel inside
// placement outcomes and log fields so failures degrade to "no ad shown".
package errors

import (
	"errors"
	"fmt"
)

// Error codes attached to outcomes and log fields.
const (
	CodeFetchFailure        = "FETCH_FAILURE"
	CodeRenderNotDetected   = "RENDER_NOT_DETECTED"
	CodeMalformedAnchorSpec = "MALFORMED_ANCHOR_SPEC"
	CodeDuplicateInvocation = "DUPLICATE_INVOCATION"
	CodeCancelled           = "CANCELLED"
	CodeScriptError         = "SCRIPT_ERROR"
	CodeConfiguration       = "CONFIGURATION_ERROR"
	CodeUnknown             = "UNKNOWN_ERROR"
)

var (
	// ErrFetchFailed indicates that a resource identity transitioned to failed
	ErrFetchFailed = errors.New("resource fetch failed")

	// ErrRenderNotDetected indicates that a probe ran but the success signature was absent
	ErrRenderNotDetected = errors.New("widget render not detected")

	// ErrMalformedAnchorSpec indicates that an anchor spec cannot select any anchor
	ErrMalformedAnchorSpec = errors.New("malformed anchor spec")

	// ErrDuplicateInvocation indicates a repeated call for an already materialized placement
	ErrDuplicateInvocation = errors.New("duplicate invocation")

	// ErrCancelled indicates that the owning page was torn down
	ErrCancelled = errors.New("placement cancelled")

	// ErrScript indicates that a widget script threw or timed out
	ErrScript = errors.New("widget script error")

	// ErrTornDown indicates that an orchestrator was used after teardown
	ErrTornDown = errors.New("orchestrator torn down")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FetchFailure wraps a transport error for the given resource identity.
func FetchFailure(identity string, err error) *Error {
	if err == nil {
		err = ErrFetchFailed
	} else {
		err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return NewError(CodeFetchFailure, "fetch "+identity, err)
}

// ScriptFailure wraps a widget script error for the given resource identity.
func ScriptFailure(identity string, err error) *Error {
	return NewError(CodeScriptError, "run "+identity, fmt.Errorf("%w: %w", ErrScript, err))
}

// IsFetchFailure checks if an error is a fetch failure
func IsFetchFailure(err error) bool {
	return errors.Is(err, ErrFetchFailed)
}

// IsCancelled checks if an error is a cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
