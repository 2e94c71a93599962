// Package config loads engine configuration with priority:
// environment variables > YAML file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceFile    ConfigSource = "file"
	ConfigSourceDefault ConfigSource = "default"
)

// Probe controls the delayed render probes of a placement.
type Probe struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Step         time.Duration `yaml:"step"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// Delay returns d0 + attempt*step.
func (p Probe) Delay(attempt int) time.Duration {
	return p.InitialDelay + time.Duration(attempt)*p.Step
}

// Fetch bounds resource fetches.
type Fetch struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	BreakerThreshold int64         `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`

	// BlobConnectionString enables azblob:// widget locations.
	BlobConnectionString string `yaml:"blob_connection_string"`
	BlobContainer        string `yaml:"blob_container"`
}

// Report configures outcome sinks. Empty values disable a sink.
type Report struct {
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
	SentryDSN   string `yaml:"sentry_dsn"`
}

// Config holds the engine configuration
type Config struct {
	Probe         Probe         `yaml:"probe"`
	Fetch         Fetch         `yaml:"fetch"`
	Report        Report        `yaml:"report"`
	MarkerPrefix  string        `yaml:"marker_prefix"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	Source        ConfigSource  `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Probe: Probe{
			InitialDelay: 2 * time.Second,
			Step:         time.Second,
			MaxAttempts:  5,
		},
		Fetch: Fetch{
			Timeout:          10 * time.Second,
			MaxConcurrent:    4,
			BreakerThreshold: 10,
			BreakerReset:     30 * time.Second,
			BlobContainer:    "widgets",
		},
		Report: Report{
			NATSSubject: "adorn.outcomes",
		},
		MarkerPrefix:  "adorn",
		ScriptTimeout: 2 * time.Second,
		Source:        ConfigSourceDefault,
	}
}

// LoadConfig loads the configuration. If ADORN_CONFIG names a YAML file it is
// layered over the defaults, then environment overrides are applied.
func LoadConfig() (*Config, error) {
	config := Default()

	if path := getEnv("ADORN_CONFIG", ""); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
		config.Source = ConfigSourceFile
	}

	if config.applyEnv() {
		config.Source = ConfigSourceEnvVar
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides and reports whether any was set.
func (c *Config) applyEnv() bool {
	set := false
	if d := getEnvDuration("ADORN_PROBE_INITIAL_DELAY"); d > 0 {
		c.Probe.InitialDelay, set = d, true
	}
	if d := getEnvDuration("ADORN_PROBE_STEP"); d > 0 {
		c.Probe.Step, set = d, true
	}
	if n := getEnvInt("ADORN_MAX_ATTEMPTS", 0); n > 0 {
		c.Probe.MaxAttempts, set = n, true
	}
	if d := getEnvDuration("ADORN_FETCH_TIMEOUT"); d > 0 {
		c.Fetch.Timeout, set = d, true
	}
	if n := getEnvInt("ADORN_MAX_CONCURRENT_FETCHES", 0); n > 0 {
		c.Fetch.MaxConcurrent, set = n, true
	}
	if n := getEnvInt("ADORN_BREAKER_THRESHOLD", 0); n > 0 {
		c.Fetch.BreakerThreshold, set = int64(n), true
	}
	if d := getEnvDuration("ADORN_BREAKER_RESET"); d > 0 {
		c.Fetch.BreakerReset, set = d, true
	}
	if v := getEnv("ADORN_BLOB_CONNECTION_STRING", ""); v != "" {
		c.Fetch.BlobConnectionString, set = v, true
	}
	if v := getEnv("ADORN_BLOB_CONTAINER", ""); v != "" {
		c.Fetch.BlobContainer, set = v, true
	}
	if v := getEnv("ADORN_MARKER_PREFIX", ""); v != "" {
		c.MarkerPrefix, set = v, true
	}
	if d := getEnvDuration("ADORN_SCRIPT_TIMEOUT"); d > 0 {
		c.ScriptTimeout, set = d, true
	}
	if v := getEnv("ADORN_NATS_URL", ""); v != "" {
		c.Report.NATSURL, set = v, true
	}
	if v := getEnv("ADORN_NATS_SUBJECT", ""); v != "" {
		c.Report.NATSSubject, set = v, true
	}
	if v := getEnv("ADORN_SENTRY_DSN", ""); v != "" {
		c.Report.SentryDSN, set = v, true
	}
	if v := getEnv("ADORN_OTLP_ENDPOINT", ""); v != "" {
		c.OTLPEndpoint, set = v, true
	}
	return set
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Probe.InitialDelay <= 0 {
		return fmt.Errorf("invalid config: probe initial delay must be positive")
	}
	if c.Probe.Step < 0 {
		return fmt.Errorf("invalid config: probe step must not be negative")
	}
	if c.Probe.MaxAttempts <= 0 {
		return fmt.Errorf("invalid config: max attempts must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("invalid config: fetch timeout must be positive")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid config: max concurrent fetches must be positive")
	}
	if strings.TrimSpace(c.MarkerPrefix) == "" {
		return fmt.Errorf("invalid config: marker prefix is required")
	}
	return nil
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration parses a Go duration, or a bare integer as milliseconds.
func getEnvDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Probe: %s+n*%s x%d, FetchTimeout: %s, MaxConcurrent: %d, Prefix: %s, Source: %s}",
		c.Probe.InitialDelay,
		c.Probe.Step,
		c.Probe.MaxAttempts,
		c.Fetch.Timeout,
		c.Fetch.MaxConcurrent,
		c.MarkerPrefix,
		c.Source,
	)
}
