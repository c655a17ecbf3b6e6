package workflow

// Parallelism controls how many steps the orchestrator runs at once.
type Parallelism string

const (
	ParallelismSequential Parallelism = "sequential"
	ParallelismParallel   Parallelism = "parallel"
)

// FailurePolicy controls what happens to a workflow when a step fails.
type FailurePolicy string

const (
	// OnFailurePause pauses the workflow until a human resumes it.
	OnFailurePause FailurePolicy = "pause"
	// OnFailureContinue reports the failure to the orchestrator and keeps going.
	OnFailureContinue FailurePolicy = "continue"
	// OnFailureFail ends the workflow as failed.
	OnFailureFail FailurePolicy = "fail"
)

// AutonomyLevel controls whether escalations wait for a human.
type AutonomyLevel string

const (
	// AutonomyFull auto-approves escalations.
	AutonomyFull AutonomyLevel = "full_auto"
	// AutonomyHumanInLoop records escalations for a human to resolve.
	AutonomyHumanInLoop AutonomyLevel = "human_in_loop"
)

// Config is the per-workflow execution configuration.
type Config struct {
	Parallelism       Parallelism   `json:"parallelism" yaml:"parallelism"`
	MaxConcurrency    int           `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	OnFailure         FailurePolicy `json:"on_failure" yaml:"on_failure"`
	DefaultAgentType  string        `json:"default_agent_type" yaml:"default_agent_type"`
	AutonomyLevel     AutonomyLevel `json:"autonomy_level" yaml:"autonomy_level"`
	OrchestratorModel string        `json:"orchestrator_model,omitempty" yaml:"orchestrator_model,omitempty"`
}

// DefaultConfig returns the configuration applied when a workflow is created
// without overrides.
func DefaultConfig(agentType string) Config {
	return Config{
		Parallelism:      ParallelismSequential,
		OnFailure:        OnFailurePause,
		DefaultAgentType: agentType,
		AutonomyLevel:    AutonomyHumanInLoop,
	}
}

// Merge overlays the non-zero fields of other onto c and returns the result.
func (c Config) Merge(other *Config) Config {
	if other == nil {
		return c
	}
	if other.Parallelism != "" {
		c.Parallelism = other.Parallelism
	}
	if other.MaxConcurrency != 0 {
		c.MaxConcurrency = other.MaxConcurrency
	}
	if other.OnFailure != "" {
		c.OnFailure = other.OnFailure
	}
	if other.DefaultAgentType != "" {
		c.DefaultAgentType = other.DefaultAgentType
	}
	if other.AutonomyLevel != "" {
		c.AutonomyLevel = other.AutonomyLevel
	}
	if other.OrchestratorModel != "" {
		c.OrchestratorModel = other.OrchestratorModel
	}
	return c
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	switch c.Parallelism {
	case ParallelismSequential, ParallelismParallel:
	default:
		return NewValidationError("config.parallelism", "unknown value %q", c.Parallelism)
	}
	if c.MaxConcurrency < 0 {
		return NewValidationError("config.max_concurrency", "must not be negative")
	}
	switch c.OnFailure {
	case OnFailurePause, OnFailureContinue, OnFailureFail:
	default:
		return NewValidationError("config.on_failure", "unknown value %q", c.OnFailure)
	}
	switch c.AutonomyLevel {
	case AutonomyFull, AutonomyHumanInLoop:
	default:
		return NewValidationError("config.autonomy_level", "unknown value %q", c.AutonomyLevel)
	}
	if c.DefaultAgentType == "" {
		return NewValidationError("config.default_agent_type", "agent type is required")
	}
	return nil
}
