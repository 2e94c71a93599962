package report

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter captures failed outcomes. Successful outcomes are ignored.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter with its own hub.
func NewSentryReporter(options sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report implements Reporter.
func (s *SentryReporter) Report(_ context.Context, o Outcome) error {
	if !o.Failed() {
		return nil
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("placement.id", o.PlacementID)
		scope.SetTag("placement.status", o.Status)
		scope.SetTag("error.code", o.Code)
		scope.SetTag("resource.identity", o.Identity)
		scope.SetContext("placement", sentry.Context{
			"page_id":     o.PageID,
			"outcome_id":  o.ID,
			"attempts":    o.Attempts,
			"duration_ms": o.DurationMs,
		})
		message := o.Error
		if message == "" {
			message = "placement " + o.Status
		}
		s.hub.CaptureException(errors.New(message))
	})
	return nil
}

// Flush waits up to timeout for buffered events to be sent.
func (s *SentryReporter) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
