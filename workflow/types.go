// Package workflow defines the semflow workflow model: workflows and their
// steps, the status state machine, per-workflow configuration and the typed
// events recorded against a workflow.
package workflow

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a workflow.
type Status string

const (
	// StatusPending indicates the workflow has been created but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates an orchestrator session is driving the workflow.
	StatusRunning Status = "running"
	// StatusPaused indicates a human paused the workflow. Wakeups are held.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the orchestrator reported success.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the orchestrator or a failure policy ended the workflow.
	StatusFailed Status = "failed"
	// StatusCancelled indicates a human cancelled the workflow.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo returns true if transitioning to target is allowed.
//
//	pending -> running | cancelled
//	running -> paused | completed | failed | cancelled
//	paused  -> running | cancelled
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusCancelled
	case StatusRunning:
		return target == StatusPaused || target == StatusCompleted ||
			target == StatusFailed || target == StatusCancelled
	case StatusPaused:
		return target == StatusRunning || target == StatusCancelled
	}
	return false
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsValid returns true if the step status is a known value.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// SatisfiesDependency returns true if a dependent step may start once its
// dependency reaches this status.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepCompleted || s == StepSkipped
}

// SourceType identifies where a workflow's tasks come from.
type SourceType string

const (
	// SourceIssues is an explicit list of issue ids.
	SourceIssues SourceType = "issues"
	// SourceRootTask is a root issue plus everything transitively blocked by it.
	SourceRootTask SourceType = "root_task"
	// SourceSpec is every issue attached to a spec.
	SourceSpec SourceType = "spec"
	// SourceGoal is a free-text goal. Steps are added as the orchestrator works.
	SourceGoal SourceType = "goal"
)

// Source describes the set of tasks a workflow covers.
type Source struct {
	Type     SourceType `json:"type"`
	IssueIDs []string   `json:"issue_ids,omitempty"`
	IssueID  string     `json:"issue_id,omitempty"`
	SpecID   string     `json:"spec_id,omitempty"`
	Goal     string     `json:"goal,omitempty"`
}

// Validate checks that the fields required by the source type are present.
func (s Source) Validate() error {
	switch s.Type {
	case SourceIssues:
		if len(s.IssueIDs) == 0 {
			return NewValidationError("source.issue_ids", "at least one issue id is required")
		}
		if slices.Contains(s.IssueIDs, "") {
			return NewValidationError("source.issue_ids", "issue ids must not be empty")
		}
	case SourceRootTask:
		if s.IssueID == "" {
			return NewValidationError("source.issue_id", "root issue id is required")
		}
	case SourceSpec:
		if s.SpecID == "" {
			return NewValidationError("source.spec_id", "spec id is required")
		}
	case SourceGoal:
		if s.Goal == "" {
			return NewValidationError("source.goal", "goal text is required")
		}
	case "":
		return NewValidationError("source.type", "source type is required")
	default:
		return NewValidationError("source.type", "unknown source type %q", s.Type)
	}
	return nil
}

// Step is one task within a workflow.
type Step struct {
	ID           string     `json:"id"`
	IssueID      string     `json:"issue_id"`
	Index        int        `json:"index"`
	Dependencies []string   `json:"dependencies"`
	Status       StepStatus `json:"status"`
	ExecutionID  string     `json:"execution_id,omitempty"`
}

// Workflow is a persisted, orchestrated multi-task run.
type Workflow struct {
	ID                      string     `json:"id"`
	Title                   string     `json:"title"`
	Source                  Source     `json:"source"`
	Status                  Status     `json:"status"`
	Steps                   []Step     `json:"steps"`
	BaseBranch              string     `json:"base_branch"`
	CurrentStepIndex        int        `json:"current_step_index"`
	Config                  Config     `json:"config"`
	OrchestratorExecutionID string     `json:"orchestrator_execution_id,omitempty"`
	OrchestratorSessionID   string     `json:"orchestrator_session_id,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	StartedAt               *time.Time `json:"started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepByIssue returns the step covering the given issue.
func (w *Workflow) StepByIssue(issueID string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].IssueID == issueID {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepByExecution returns the step linked to the given execution.
func (w *Workflow) StepByExecution(executionID string) (*Step, bool) {
	if executionID == "" {
		return nil, false
	}
	for i := range w.Steps {
		if w.Steps[i].ExecutionID == executionID {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepsWithStatus returns copies of the steps currently in the given status.
func (w *Workflow) StepsWithStatus(status StepStatus) []Step {
	var out []Step
	for _, s := range w.Steps {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// NewWorkflowID returns a fresh workflow identifier.
func NewWorkflowID() string {
	return "wf-" + uuid.NewString()
}

// NewStepID returns a fresh step identifier.
func NewStepID() string {
	return "step-" + uuid.NewString()[:8]
}

// Issue is the subset of an issue-tracker record the engine needs.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Status      string `json:"status,omitempty"`
	SpecID      string `json:"spec_id,omitempty"`
}

// RelationType is the kind of edge between two issues.
type RelationType string

const (
	// RelationBlocks means From must finish before To can start.
	RelationBlocks RelationType = "blocks"
	// RelationDependsOn means From cannot start until To finishes.
	RelationDependsOn RelationType = "depends_on"
)

// Relationship is a directed edge between two issues.
type Relationship struct {
	FromID string       `json:"from_id"`
	ToID   string       `json:"to_id"`
	Type   RelationType `json:"type"`
}
