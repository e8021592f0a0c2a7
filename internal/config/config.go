// Package config provides configuration loading for specpipe.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Only the resulting policy values are consumed by the engine;
// hot reload is deliberately not supported.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/specpipe/internal/logging"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
	"github.com/fyrsmithlabs/specpipe/internal/router"
	"github.com/fyrsmithlabs/specpipe/internal/telemetry"
)

// Config holds the complete specpipe configuration.
type Config struct {
	Logging     logging.Config       `koanf:"logging"`
	Gate        policy.DecisionRule  `koanf:"gate"`
	Toggles     policy.PolicyToggles `koanf:"toggles"`
	Routing     router.Table         `koanf:"routing"`
	Coordinator CoordinatorConfig    `koanf:"coordinator"`
	Escalation  EscalationConfig     `koanf:"escalation"`
	Evidence    EvidenceConfig       `koanf:"evidence"`
	Registry    RegistryConfig       `koanf:"registry"`
	Worker      WorkerConfig         `koanf:"worker"`
	Telemetry   telemetry.Config     `koanf:"telemetry"`
}

// WorkerConfig names the external worker command. Args may reference
// {role}, {provider}, {model} and {kind} placeholders.
type WorkerConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	WorkDir string   `koanf:"workdir"`
}

// CoordinatorConfig holds spawn-and-poll settings.
type CoordinatorConfig struct {
	// PollInterval is the fixed poll tick (default 500ms).
	PollInterval time.Duration `koanf:"poll_interval"`

	// StageTimeout bounds one stage attempt (default 5m). Executions still
	// running at the bound are marked timed out and the cohort completes
	// degraded.
	StageTimeout time.Duration `koanf:"stage_timeout"`
}

// EscalationConfig holds retry budget and backoff settings.
type EscalationConfig struct {
	// MaxRetries bounds retries per stage (default 2). Reaching the bound
	// forces escalation to a human regardless of confidence.
	MaxRetries int `koanf:"max_retries"`

	// InitialBackoff is the delay before the first retry (default 1s).
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff caps the exponential growth (default 30s).
	MaxBackoff time.Duration `koanf:"max_backoff"`
}

// EvidenceConfig holds the evidence store location.
type EvidenceConfig struct {
	// BaseDir is the root of the spec_id/stage/attempt keyspace.
	BaseDir string `koanf:"base_dir"`
}

// RegistryConfig holds the execution identity registry location.
type RegistryConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Gate.MinConfidenceForAutoApply == 0 {
		cfg.Gate.MinConfidenceForAutoApply = 0.75
	}
	if cfg.Gate.AdvisoryPenalty == 0 {
		cfg.Gate.AdvisoryPenalty = 0.05
	}
	if cfg.Gate.Quorum == 0 {
		cfg.Gate.Quorum = 2
	}

	empty := router.Target{}
	defaults := router.DefaultTable()
	if cfg.Routing.Local == empty {
		cfg.Routing.Local = defaults.Local
	}
	if cfg.Routing.Standard == empty {
		cfg.Routing.Standard = defaults.Standard
	}
	if cfg.Routing.Strong == empty {
		cfg.Routing.Strong = defaults.Strong
	}
	if cfg.Routing.Sidecar == empty {
		cfg.Routing.Sidecar = defaults.Sidecar
	}

	if cfg.Coordinator.PollInterval == 0 {
		cfg.Coordinator.PollInterval = 500 * time.Millisecond
	}
	if cfg.Coordinator.StageTimeout == 0 {
		cfg.Coordinator.StageTimeout = 5 * time.Minute
	}

	if cfg.Escalation.MaxRetries == 0 {
		cfg.Escalation.MaxRetries = 2
	}
	if cfg.Escalation.InitialBackoff == 0 {
		cfg.Escalation.InitialBackoff = time.Second
	}
	if cfg.Escalation.MaxBackoff == 0 {
		cfg.Escalation.MaxBackoff = 30 * time.Second
	}

	if cfg.Evidence.BaseDir == "" {
		cfg.Evidence.BaseDir = "evidence"
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "specpipe.db"
	}

	if cfg.Telemetry.Endpoint == "" {
		enabled := cfg.Telemetry.Enabled
		cfg.Telemetry = *telemetry.NewDefaultConfig()
		cfg.Telemetry.Enabled = enabled
	}
}

// Validate validates the configuration. Violations here are fatal at
// startup, never per-attempt.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if c.Coordinator.PollInterval <= 0 {
		return errors.New("coordinator poll interval must be positive")
	}
	if c.Coordinator.StageTimeout <= c.Coordinator.PollInterval {
		return errors.New("coordinator stage timeout must exceed the poll interval")
	}
	if c.Escalation.MaxRetries < 0 {
		return errors.New("escalation max retries must not be negative")
	}
	if c.Escalation.InitialBackoff <= 0 || c.Escalation.MaxBackoff < c.Escalation.InitialBackoff {
		return errors.New("escalation backoff bounds are inconsistent")
	}
	if c.Evidence.BaseDir == "" {
		return errors.New("evidence base dir must be set")
	}
	if c.Registry.Path == "" {
		return errors.New("registry path must be set")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
