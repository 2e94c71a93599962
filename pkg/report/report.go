// Package report ships terminal placement outcomes to observers: the log,
// a NATS subject and Sentry. Reporting is best effort and never feeds back
// into placement behaviour.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/placement"
)

// Outcome is the wire form of a terminal placement.
type Outcome struct {
	ID          string    `json:"id"`
	PageID      string    `json:"page_id"`
	PlacementID string    `json:"placement_id"`
	Identity    string    `json:"identity"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Code        string    `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
	DurationMs  int64     `json:"duration_ms"`
}

// Failed reports whether the placement did not render.
func (o Outcome) Failed() bool {
	return o.Status != string(placement.StatusSuccess)
}

// FromPlacement converts a placement outcome for page pageID.
func FromPlacement(pageID string, o placement.Outcome) Outcome {
	out := Outcome{
		ID:          uuid.NewString(),
		PageID:      pageID,
		PlacementID: o.PlacementID,
		Identity:    o.Identity,
		Status:      string(o.Status()),
		Attempts:    len(o.Attempts),
		At:          o.FinishedAt,
		DurationMs:  o.FinishedAt.Sub(o.StartedAt).Milliseconds(),
	}
	if o.Err != nil {
		out.Code = adornerrors.Categorize(o.Err)
		out.Error = o.Err.Error()
	}
	return out
}

// Reporter receives terminal outcomes.
type Reporter interface {
	Report(ctx context.Context, outcome Outcome) error
}

// LogReporter writes outcomes to a zap logger.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a log reporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (l *LogReporter) Report(_ context.Context, o Outcome) error {
	fields := []zap.Field{
		zap.String("outcome_id", o.ID),
		zap.String("page_id", o.PageID),
		zap.String("placement_id", o.PlacementID),
		zap.String("identity", o.Identity),
		zap.String("status", o.Status),
		zap.Int("attempts", o.Attempts),
		zap.Int64("duration_ms", o.DurationMs),
	}
	if o.Failed() {
		fields = append(fields, zap.String("error_code", o.Code), zap.String("error", o.Error))
		l.logger.Warn("Placement outcome", fields...)
		return nil
	}
	l.logger.Info("Placement outcome", fields...)
	return nil
}

// Multi fans an outcome out to several reporters.
type Multi []Reporter

// Report calls every reporter and joins their errors.
func (m Multi) Report(ctx context.Context, o Outcome) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
