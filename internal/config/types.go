package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

// Duration wraps time.Duration for human-readable config values ("30s", "5m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the top-level shipwright configuration.
type Config struct {
	Run       RunConfig       `koanf:"run"`
	Workers   WorkersConfig   `koanf:"workers"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Logging   logging.Config  `koanf:"logging"`
}

// RunConfig controls where run state and artifacts live.
type RunConfig struct {
	// RunsDir is the root directory for per-run artifact stores and state.
	RunsDir string `koanf:"runs_dir"`

	// MetricsAddr, when non-empty, serves Prometheus metrics on this address.
	MetricsAddr string `koanf:"metrics_addr"`
}

// WorkersConfig configures worker runners per role.
type WorkersConfig struct {
	Architect RoleConfig `koanf:"architect"`
	Builder   RoleConfig `koanf:"builder"`
	Reviewer  RoleConfig `koanf:"reviewer"`
	QA        RoleConfig `koanf:"qa"`

	// DispatchTimeout bounds a single worker dispatch. A timeout surfaces
	// as a worker failure, never a silent retry.
	DispatchTimeout Duration `koanf:"dispatch_timeout"`
}

// RoleConfig configures the external command backing one worker role.
type RoleConfig struct {
	// Command is the executable plus arguments invoked per dispatch.
	// Instructions are delivered on stdin, the summary read from stdout.
	Command []string `koanf:"command"`
}

// PipelineConfig holds the retry discipline for a run.
type PipelineConfig struct {
	// IterationCap is the global retry limit per run.
	IterationCap int `koanf:"iteration_cap"`

	// FixAttemptCap is the per-issue fix limit before deferring.
	FixAttemptCap int `koanf:"fix_attempt_cap"`

	// ReviewersPerCheckpoint is the number of concurrent reviewers
	// dispatched at a review checkpoint.
	ReviewersPerCheckpoint int `koanf:"reviewers_per_checkpoint"`
}

// WorkspaceConfig controls the isolated mutation workspace.
type WorkspaceConfig struct {
	// BranchPrefix namespaces workspace branches, e.g. "shipwright/".
	BranchPrefix string `koanf:"branch_prefix"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Run.RunsDir == "" {
		return fmt.Errorf("run.runs_dir must be set")
	}
	if c.Pipeline.IterationCap < 1 {
		return fmt.Errorf("pipeline.iteration_cap must be >= 1, got %d", c.Pipeline.IterationCap)
	}
	if c.Pipeline.FixAttemptCap < 1 {
		return fmt.Errorf("pipeline.fix_attempt_cap must be >= 1, got %d", c.Pipeline.FixAttemptCap)
	}
	if c.Pipeline.ReviewersPerCheckpoint < 1 {
		return fmt.Errorf("pipeline.reviewers_per_checkpoint must be >= 1, got %d", c.Pipeline.ReviewersPerCheckpoint)
	}
	if c.Workers.DispatchTimeout.Duration() <= 0 {
		return fmt.Errorf("workers.dispatch_timeout must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
