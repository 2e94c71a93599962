package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/config"
	"github.com/wehubfusion/Adorn/pkg/placement"
	"github.com/wehubfusion/Adorn/pkg/report"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHost sets the widget activator. Passing nil disables activation, for
// pages whose widget scripts run elsewhere.
func WithHost(host placement.Activator) Option {
	return func(o *Orchestrator) {
		o.host = host
		o.hostSet = true
	}
}

// WithReporter sets where terminal outcomes are sent.
func WithReporter(r report.Reporter) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

// WithProbe sets the probe schedule d(attempt) = initial + attempt*step.
func WithProbe(initial, step time.Duration, maxAttempts int) Option {
	return func(o *Orchestrator) {
		o.probe = config.Probe{InitialDelay: initial, Step: step, MaxAttempts: maxAttempts}
	}
}

// WithPrefix sets the marker prefix.
func WithPrefix(prefix string) Option {
	return func(o *Orchestrator) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithConfig applies probe, prefix and script timeout settings from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) {
		if cfg == nil {
			return
		}
		o.probe = cfg.Probe
		if cfg.MarkerPrefix != "" {
			o.prefix = cfg.MarkerPrefix
		}
		o.scriptTimeout = cfg.ScriptTimeout
	}
}

// WithPageID overrides the generated page id.
func WithPageID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.pageID = id
		}
	}
}

// WithReportTimeout bounds a single Report call.
func WithReportTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.reportTimeout = d
		}
	}
}
