package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the part of *nats.Conn the reporter needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSConfig configures a NATSReporter.
type NATSConfig struct {
	Subject    string
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// DefaultNATSConfig returns the default reporter settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Subject:    "adorn.outcomes",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// NATSReporter publishes outcomes as JSON.
type NATSReporter struct {
	pub    Publisher
	config NATSConfig
	logger *zap.Logger
}

// NewNATSReporter creates a reporter over pub.
func NewNATSReporter(pub Publisher, config NATSConfig) (*NATSReporter, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSReporter{pub: pub, config: config, logger: logger}, nil
}

// Report implements Reporter. The outcome id is sent as the message id so
// a JetStream stream can drop retried duplicates.
func (n *NATSReporter) Report(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	msg := nats.NewMsg(n.config.Subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, o.ID)
	msg.Header.Set("Adorn-Status", o.Status)

	if err := n.publishWithRetry(ctx, msg); err != nil {
		n.logger.Error("Failed to publish outcome",
			zap.String("subject", n.config.Subject),
			zap.String("placement_id", o.PlacementID),
			zap.Error(err))
		return err
	}
	n.logger.Debug("Published outcome",
		zap.String("subject", n.config.Subject),
		zap.String("placement_id", o.PlacementID))
	return nil
}

func (n *NATSReporter) publishWithRetry(ctx context.Context, msg *nats.Msg) error {
	var lastErr error
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if attempt > 0 {
			n.logger.Info("Retrying publish",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", n.config.MaxRetries+1),
				zap.String("subject", msg.Subject),
				zap.Duration("retry_delay", n.config.RetryDelay))
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(n.config.RetryDelay):
			}
		}

		err := n.pub.PublishMsg(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		n.logger.Warn("Publish attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", n.config.MaxRetries+1),
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
	return fmt.Errorf("publish failed after %d attempts: %w", n.config.MaxRetries+1, lastErr)
}
