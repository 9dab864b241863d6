// Package config provides configuration loading, validation, and state
// directory management for the loop. Configuration lives in
// .ralph/config.json inside the project directory; CLI flags override it
// after load.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// State directory layout.
const (
	StateDirName   = ".ralph"
	ConfigFilename = "config.json"
	LogsDirName    = "logs"
	HistoryDBName  = "history.db"
	SchemaVersion  = "1.0"
)

// Defaults and bounds.
const (
	DefaultMaxCallsPerHour           = 100
	DefaultPromptFile                = "PROMPT.md"
	DefaultPlanFile                  = "IMPLEMENTATION_PLAN.md"
	DefaultTimeoutMinutes            = 15
	MinTimeoutMinutes                = 1
	MaxTimeoutMinutes                = 120
	DefaultPauseSeconds              = 5
	DefaultFailureBackoffSeconds     = 30
	DefaultQuotaRetryMinutes         = 10
	DefaultQuotaPromptTimeoutSeconds = 60
	DefaultMonitorAddr               = "127.0.0.1:9190"
)

// Metrics exporter selections.
const (
	MetricsPrometheus = "prometheus"
	MetricsNoop       = "noop"
)

// Config represents the loop configuration for one project directory.
type Config struct {
	SchemaVersion             string   `json:"schema_version"`
	MaxCallsPerHour           int      `json:"max_calls_per_hour"`            // Hourly invocation budget
	PromptFile                string   `json:"prompt_file"`                   // Prompt fed to the agent on stdin
	PlanFile                  string   `json:"plan_file"`                     // Checklist consulted for plan_complete
	AgentCommand              []string `json:"agent_command"`                 // Agent argv; prompt arrives on stdin
	TimeoutMinutes            int      `json:"timeout_minutes"`               // Per-execution bound, 1-120
	PauseSeconds              int      `json:"post_iteration_pause_seconds"`  // Pause after each successful loop
	FailureBackoffSeconds     int      `json:"failure_backoff_seconds"`       // Backoff after a generic failure
	QuotaRetryMinutes         int      `json:"quota_retry_minutes"`           // Sleep before retrying after quota pause
	QuotaPromptTimeoutSeconds int      `json:"quota_prompt_timeout_seconds"`  // Continue/exit prompt bound
	MonitorAddr               string   `json:"monitor_addr"`                  // Monitoring listen address
	MetricsExporter           string   `json:"metrics_exporter"`              // "prometheus" or "noop"
	PrometheusURL             string   `json:"prometheus_url,omitempty"`      // Optional, enables session summary
	MaxLoops                  int      `json:"max_loops"`                     // 0 = unlimited
	Verbose                   bool     `json:"verbose,omitempty"`             // Verbose progress output
	StreamOutput              bool     `json:"stream_output,omitempty"`       // Mirror agent output to stdout
}

// DefaultConfig provides the standard loop configuration.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	SchemaVersion:             SchemaVersion,
	MaxCallsPerHour:           DefaultMaxCallsPerHour,
	PromptFile:                DefaultPromptFile,
	PlanFile:                  DefaultPlanFile,
	AgentCommand:              []string{"codex", "exec", "--full-auto", "-"},
	TimeoutMinutes:            DefaultTimeoutMinutes,
	PauseSeconds:              DefaultPauseSeconds,
	FailureBackoffSeconds:     DefaultFailureBackoffSeconds,
	QuotaRetryMinutes:         DefaultQuotaRetryMinutes,
	QuotaPromptTimeoutSeconds: DefaultQuotaPromptTimeoutSeconds,
	MonitorAddr:               DefaultMonitorAddr,
	MetricsExporter:           MetricsPrometheus,
	MaxLoops:                  0,
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// StateDir returns the loop state directory for a project.
func StateDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName)
}

// LogsDir returns the per-loop output capture directory for a project.
func LogsDir(projectDir string) string {
	return filepath.Join(StateDir(projectDir), LogsDirName)
}

// HistoryDBPath returns the run history database path for a project.
func HistoryDBPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), HistoryDBName)
}

// ConfigPath returns the config file path for a project.
func ConfigPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), ConfigFilename)
}

// EnsureStateDir creates the state and logs directories if missing and
// returns the state directory path.
func EnsureStateDir(projectDir string) (string, error) {
	dir := StateDir(projectDir)
	if err := os.MkdirAll(LogsDir(projectDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// Load reads the project config with environment variable substitution,
// applying defaults for a missing file. Invalid config is an error; the
// caller treats it as fatal.
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig
	cfg.AgentCommand = append([]string(nil), DefaultConfig.AgentCommand...)

	data, err := os.ReadFile(ConfigPath(projectDir))
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace ${VAR} placeholders with environment values.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	if err := json.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to .ralph/config.json.
func Save(projectDir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}
	if _, err := EnsureStateDir(projectDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(projectDir), data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks bounds and required fields.
func (c *Config) Validate() error {
	if c.MaxCallsPerHour < 1 {
		return fmt.Errorf("max_calls_per_hour must be positive, got %d", c.MaxCallsPerHour)
	}
	if c.TimeoutMinutes < MinTimeoutMinutes || c.TimeoutMinutes > MaxTimeoutMinutes {
		return fmt.Errorf("timeout_minutes must be between %d and %d, got %d",
			MinTimeoutMinutes, MaxTimeoutMinutes, c.TimeoutMinutes)
	}
	if c.PauseSeconds < 0 {
		return fmt.Errorf("post_iteration_pause_seconds must be non-negative, got %d", c.PauseSeconds)
	}
	if c.FailureBackoffSeconds < 0 {
		return fmt.Errorf("failure_backoff_seconds must be non-negative, got %d", c.FailureBackoffSeconds)
	}
	if c.QuotaRetryMinutes < 1 {
		return fmt.Errorf("quota_retry_minutes must be positive, got %d", c.QuotaRetryMinutes)
	}
	if c.QuotaPromptTimeoutSeconds < 1 {
		return fmt.Errorf("quota_prompt_timeout_seconds must be positive, got %d", c.QuotaPromptTimeoutSeconds)
	}
	if c.PromptFile == "" {
		return fmt.Errorf("prompt_file must not be empty")
	}
	if c.PlanFile == "" {
		return fmt.Errorf("plan_file must not be empty")
	}
	if len(c.AgentCommand) == 0 {
		return fmt.Errorf("agent_command must not be empty")
	}
	if c.MonitorAddr == "" {
		return fmt.Errorf("monitor_addr must not be empty")
	}
	if c.MetricsExporter != MetricsPrometheus && c.MetricsExporter != MetricsNoop {
		return fmt.Errorf("metrics_exporter must be %q or %q, got %q",
			MetricsPrometheus, MetricsNoop, c.MetricsExporter)
	}
	if c.MaxLoops < 0 {
		return fmt.Errorf("max_loops must be non-negative, got %d", c.MaxLoops)
	}
	return nil
}

// Timeout returns the per-execution bound as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Pause returns the post-iteration pause as a duration.
func (c *Config) Pause() time.Duration {
	return time.Duration(c.PauseSeconds) * time.Second
}

// FailureBackoff returns the generic-failure backoff as a duration.
func (c *Config) FailureBackoff() time.Duration {
	return time.Duration(c.FailureBackoffSeconds) * time.Second
}

// QuotaRetry returns the quota-exhaustion sleep as a duration.
func (c *Config) QuotaRetry() time.Duration {
	return time.Duration(c.QuotaRetryMinutes) * time.Minute
}

// QuotaPromptTimeout returns the continue/exit prompt bound as a duration.
func (c *Config) QuotaPromptTimeout() time.Duration {
	return time.Duration(c.QuotaPromptTimeoutSeconds) * time.Second
}
