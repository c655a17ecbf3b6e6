// Package config provides configuration loading and management for semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semflow/workflow"
)

// Config represents the complete semflow configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Repo         RepoConfig         `yaml:"repo"`
	NATS         NATSConfig         `yaml:"nats"`
	Wakeup       WakeupConfig       `yaml:"wakeup"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Defaults     DefaultsConfig     `yaml:"defaults"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tools        ToolsConfig        `yaml:"tools"`
}

// DatabaseConfig configures the workflow database
type DatabaseConfig struct {
	// Path is the sqlite file (default: ~/.local/share/semflow/semflow.db)
	Path string `yaml:"path"`
}

// RepoConfig configures the repository settings
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty)
	Path string `yaml:"path"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// ExecutionPrefix is the subject namespace of the agent runtime
	ExecutionPrefix string `yaml:"execution_prefix"`
	// EventPrefix is the subject namespace workflow events are published under
	EventPrefix string `yaml:"event_prefix"`
	// DisableEvents stops workflow events being mirrored onto NATS
	DisableEvents bool `yaml:"disable_events"`
	// RequestTimeout bounds runtime requests
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// WakeupConfig configures orchestrator wakeups
type WakeupConfig struct {
	// Window is the debounce delay before events are delivered
	Window time.Duration `yaml:"window"`
	// DeliveryTimeout bounds one delivery
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// OrchestratorConfig configures the agent that drives each workflow
type OrchestratorConfig struct {
	// AgentType is the orchestrator agent (default: claude-code)
	AgentType string `yaml:"agent_type"`
	// Model is passed to the runtime when a workflow does not pick one
	Model string `yaml:"model"`
	// ToolCommand is the binary the orchestrator runs for workflow tools
	ToolCommand string `yaml:"tool_command"`
	// ToolArgs are prepended to "mcp --workflow <id>"
	ToolArgs []string `yaml:"tool_args"`
}

// DefaultsConfig is applied to workflows created without overrides
type DefaultsConfig struct {
	AgentType      string                 `yaml:"agent_type"`
	BaseBranch     string                 `yaml:"base_branch"`
	Parallelism    workflow.Parallelism   `yaml:"parallelism"`
	MaxConcurrency int                    `yaml:"max_concurrency"`
	OnFailure      workflow.FailurePolicy `yaml:"on_failure"`
	AutonomyLevel  workflow.AutonomyLevel `yaml:"autonomy_level"`
}

// MetricsConfig configures the Prometheus exporter
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// ToolsConfig configures the workflow tool server
type ToolsConfig struct {
	// MaxTrajectoryEntries caps execution_trajectory results
	MaxTrajectoryEntries int `yaml:"max_trajectory_entries"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Repo: RepoConfig{
			Path: "", // Auto-detect
		},
		NATS: NATSConfig{
			URL:             "",
			Embedded:        true,
			ExecutionPrefix: "execution",
			EventPrefix:     "workflow.events",
			RequestTimeout:  30 * time.Second,
		},
		Wakeup: WakeupConfig{
			Window:          2 * time.Second,
			DeliveryTimeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			AgentType:   "claude-code",
			ToolCommand: "semflow",
		},
		Defaults: DefaultsConfig{
			AgentType:     "claude-code",
			BaseBranch:    "main",
			Parallelism:   workflow.ParallelismSequential,
			OnFailure:     workflow.OnFailurePause,
			AutonomyLevel: workflow.AutonomyHumanInLoop,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Tools: ToolsConfig{
			MaxTrajectoryEntries: 50,
		},
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "semflow.db"
	}
	return filepath.Join(home, ".local", "share", "semflow", "semflow.db")
}

// WorkflowConfig returns the per-workflow defaults as a workflow.Config
func (c *Config) WorkflowConfig() workflow.Config {
	cfg := workflow.DefaultConfig(c.Defaults.AgentType)
	return cfg.Merge(&workflow.Config{
		Parallelism:       c.Defaults.Parallelism,
		MaxConcurrency:    c.Defaults.MaxConcurrency,
		OnFailure:         c.Defaults.OnFailure,
		AutonomyLevel:     c.Defaults.AutonomyLevel,
		OrchestratorModel: c.Orchestrator.Model,
	})
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Wakeup.Window <= 0 {
		return fmt.Errorf("wakeup.window must be positive")
	}
	if c.NATS.ExecutionPrefix == "" {
		return fmt.Errorf("nats.execution_prefix is required")
	}
	if c.Orchestrator.ToolCommand == "" {
		return fmt.Errorf("orchestrator.tool_command is required")
	}
	if c.Defaults.MaxConcurrency < 0 {
		return fmt.Errorf("defaults.max_concurrency must not be negative")
	}
	if c.Tools.MaxTrajectoryEntries < 0 {
		return fmt.Errorf("tools.max_trajectory_entries must not be negative")
	}
	if err := c.WorkflowConfig().Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Database
	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}

	// Repo
	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.ExecutionPrefix != "" {
		c.NATS.ExecutionPrefix = other.NATS.ExecutionPrefix
	}
	if other.NATS.EventPrefix != "" {
		c.NATS.EventPrefix = other.NATS.EventPrefix
	}
	if other.NATS.DisableEvents {
		c.NATS.DisableEvents = true
	}
	if other.NATS.RequestTimeout != 0 {
		c.NATS.RequestTimeout = other.NATS.RequestTimeout
	}

	// Wakeup
	if other.Wakeup.Window != 0 {
		c.Wakeup.Window = other.Wakeup.Window
	}
	if other.Wakeup.DeliveryTimeout != 0 {
		c.Wakeup.DeliveryTimeout = other.Wakeup.DeliveryTimeout
	}

	// Orchestrator
	if other.Orchestrator.AgentType != "" {
		c.Orchestrator.AgentType = other.Orchestrator.AgentType
	}
	if other.Orchestrator.Model != "" {
		c.Orchestrator.Model = other.Orchestrator.Model
	}
	if other.Orchestrator.ToolCommand != "" {
		c.Orchestrator.ToolCommand = other.Orchestrator.ToolCommand
	}
	if len(other.Orchestrator.ToolArgs) > 0 {
		c.Orchestrator.ToolArgs = other.Orchestrator.ToolArgs
	}

	// Defaults
	if other.Defaults.AgentType != "" {
		c.Defaults.AgentType = other.Defaults.AgentType
	}
	if other.Defaults.BaseBranch != "" {
		c.Defaults.BaseBranch = other.Defaults.BaseBranch
	}
	if other.Defaults.Parallelism != "" {
		c.Defaults.Parallelism = other.Defaults.Parallelism
	}
	if other.Defaults.MaxConcurrency != 0 {
		c.Defaults.MaxConcurrency = other.Defaults.MaxConcurrency
	}
	if other.Defaults.OnFailure != "" {
		c.Defaults.OnFailure = other.Defaults.OnFailure
	}
	if other.Defaults.AutonomyLevel != "" {
		c.Defaults.AutonomyLevel = other.Defaults.AutonomyLevel
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Tools
	if other.Tools.MaxTrajectoryEntries != 0 {
		c.Tools.MaxTrajectoryEntries = other.Tools.MaxTrajectoryEntries
	}
}
