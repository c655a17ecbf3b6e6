// Package execution is the boundary to the agent runtime: the service that
// launches coding-agent processes in git worktrees, tracks their status,
// streams their logs and accepts follow-up messages on a session.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an execution id is unknown to the runtime.
var ErrNotFound = errors.New("execution not found")

// Status is the runtime status of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsActive returns true while the execution may still do work.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusPreparing || s == StatusRunning
}

// IsTerminal returns true once the execution has stopped.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorktreeMode selects how a step execution gets its working directory.
type WorktreeMode string

const (
	// WorktreeCreateRoot creates a fresh worktree off the base branch.
	WorktreeCreateRoot WorktreeMode = "create_root"
	// WorktreeUseRoot reuses an existing worktree by id.
	WorktreeUseRoot WorktreeMode = "use_root"
	// WorktreeCreateBranch creates a new branch worktree, stacked on another
	// worktree when one is named.
	WorktreeCreateBranch WorktreeMode = "create_branch"
	// WorktreeUseBranch reuses an existing branch worktree by id.
	WorktreeUseBranch WorktreeMode = "use_branch"
)

// IsValid returns true if the mode is known.
func (m WorktreeMode) IsValid() bool {
	switch m {
	case WorktreeCreateRoot, WorktreeUseRoot, WorktreeCreateBranch, WorktreeUseBranch:
		return true
	}
	return false
}

// RequiresWorktreeID returns true if the mode reuses an existing worktree.
// create_branch stacks on worktree_id when given and on the base branch
// otherwise.
func (m WorktreeMode) RequiresWorktreeID() bool {
	return m == WorktreeUseRoot || m == WorktreeUseBranch
}

// Execution is one agent process run.
type Execution struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id,omitempty"`
	WorkflowID   string     `json:"workflow_id,omitempty"`
	IssueID      string     `json:"issue_id,omitempty"`
	AgentType    string     `json:"agent_type"`
	Status       Status     `json:"status"`
	WorktreeID   string     `json:"worktree_id,omitempty"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	BranchName   string     `json:"branch_name,omitempty"`
	BaseBranch   string     `json:"base_branch,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StartRequest asks the runtime to launch an agent.
type StartRequest struct {
	WorkflowID         string          `json:"workflow_id"`
	IssueID            string          `json:"issue_id,omitempty"`
	AgentType          string          `json:"agent_type"`
	Model              string          `json:"model,omitempty"`
	Prompt             string          `json:"prompt"`
	AppendSystemPrompt string          `json:"append_system_prompt,omitempty"`
	WorktreeMode       WorktreeMode    `json:"worktree_mode,omitempty"`
	WorktreeID         string          `json:"worktree_id,omitempty"`
	BaseBranch         string          `json:"base_branch,omitempty"`
	MCPConfig          json.RawMessage `json:"mcp_config,omitempty"`
}

// LogEntry is one raw line from an execution's structured log.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Update is pushed by the runtime when an execution changes status.
type Update struct {
	ExecutionID string    `json:"execution_id"`
	Status      Status    `json:"status"`
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Port is the set of runtime operations the engine depends on.
type Port interface {
	// Start launches an agent and returns once the runtime has accepted it.
	Start(ctx context.Context, req StartRequest) (*Execution, error)
	// Cancel stops an execution. Cancelling a finished execution is an error.
	Cancel(ctx context.Context, executionID string) error
	// FollowUp sends message to an existing session. The runtime may answer
	// with a new execution on the same session.
	FollowUp(ctx context.Context, sessionID, message string) (*Execution, error)
	// Get returns the current state of an execution or ErrNotFound.
	Get(ctx context.Context, executionID string) (*Execution, error)
	// Logs returns the raw structured log of an execution.
	Logs(ctx context.Context, executionID string) ([]LogEntry, error)
}

// UpdateHandler receives execution status updates.
type UpdateHandler func(ctx context.Context, update Update)
