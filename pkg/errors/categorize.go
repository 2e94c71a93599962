package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Categorize maps an error to one of the engine's error codes.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var engineErr *Error
	if errors.As(err, &engineErr) && engineErr.Code != "" {
		return engineErr.Code
	}

	switch {
	case errors.Is(err, ErrFetchFailed):
		return CodeFetchFailure
	case errors.Is(err, ErrRenderNotDetected):
		return CodeRenderNotDetected
	case errors.Is(err, ErrMalformedAnchorSpec):
		return CodeMalformedAnchorSpec
	case errors.Is(err, ErrDuplicateInvocation):
		return CodeDuplicateInvocation
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrScript):
		return CodeScriptError
	}

	// Transport failures that were not wrapped by the registry
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CodeFetchFailure
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "config") {
		return CodeConfiguration
	}

	return CodeUnknown
}

// IsRetryable reports whether a placement may re-probe after err.
// Only a missing render is recovered locally; a failed fetch is terminal.
func IsRetryable(err error) bool {
	return Categorize(err) == CodeRenderNotDetected
}
