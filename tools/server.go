// Package tools exposes a workflow to its orchestrator agent as MCP tools.
//
// One server instance is scoped to one workflow id. The orchestrator is
// launched with an MCP configuration that starts `semflow mcp --workflow ID`
// over stdio, so every tool call implicitly targets that workflow.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/c360studio/semflow/changes"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/trajectory"
	"github.com/c360studio/semflow/workflow"
)

// Tool names.
const (
	ToolWorkflowStatus      = "workflow_status"
	ToolWorkflowComplete    = "workflow_complete"
	ToolExecuteIssue        = "execute_issue"
	ToolExecutionStatus     = "execution_status"
	ToolExecutionCancel     = "execution_cancel"
	ToolExecutionTrajectory = "execution_trajectory"
	ToolExecutionChanges    = "execution_changes"
	ToolEscalateToUser      = "escalate_to_user"
	ToolNotifyUser          = "notify_user"
)

// Engine is the workflow engine surface the tools call.
type Engine interface {
	WorkflowStatus(ctx context.Context, id string) (*engine.StatusReport, error)
	CompleteWorkflow(ctx context.Context, id, summary string, status workflow.Status) (*workflow.Workflow, error)
	ExecuteIssue(ctx context.Context, id string, req engine.ExecuteRequest) (*engine.ExecuteResult, error)
	ExecutionStatus(ctx context.Context, id, executionID string) (*execution.Execution, error)
	CancelExecution(ctx context.Context, id, executionID, reason string) (*execution.Execution, error)
	ExecutionLogs(ctx context.Context, id, executionID string) ([]execution.LogEntry, error)
	Escalate(ctx context.Context, id string, req engine.EscalationRequest) (*engine.EscalationResult, error)
	Notify(ctx context.Context, id, message string, level workflow.NotificationLevel) (*workflow.Event, error)
}

// Config configures a tool set.
type Config struct {
	// WorkflowID scopes every tool call.
	WorkflowID string
	// Engine handles workflow operations.
	Engine Engine
	// Snapshots computes execution changes. Nil disables execution_changes.
	Snapshots changes.Snapshotter
	// MaxTrajectoryEntries caps execution_trajectory when the caller does
	// not ask for less.
	MaxTrajectoryEntries int
	Logger               *slog.Logger
}

// Tools holds the handlers for one workflow.
type Tools struct {
	workflowID    string
	engine        Engine
	snapshots     changes.Snapshotter
	maxTrajectory int
	logger        *slog.Logger
	rec           *recorder
}

// New creates the tool set for a workflow.
func New(cfg Config) (*Tools, error) {
	if cfg.WorkflowID == "" {
		return nil, fmt.Errorf("tools: workflow id is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("tools: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tools", "workflow_id", cfg.WorkflowID)
	if cfg.MaxTrajectoryEntries <= 0 {
		cfg.MaxTrajectoryEntries = trajectory.DefaultMaxEntries
	}
	return &Tools{
		workflowID:    cfg.WorkflowID,
		engine:        cfg.Engine,
		snapshots:     cfg.Snapshots,
		maxTrajectory: cfg.MaxTrajectoryEntries,
		logger:        logger,
		rec:           &recorder{workflowID: cfg.WorkflowID, logger: logger, now: time.Now},
	}, nil
}

// ServerTools returns every tool definition with its recorded handler.
func (t *Tools) ServerTools() []server.ServerTool {
	defs := []server.ServerTool{
		{Tool: workflowStatusTool(), Handler: t.WorkflowStatus},
		{Tool: workflowCompleteTool(), Handler: t.WorkflowComplete},
		{Tool: executeIssueTool(), Handler: t.ExecuteIssue},
		{Tool: executionStatusTool(), Handler: t.ExecutionStatus},
		{Tool: executionCancelTool(), Handler: t.ExecutionCancel},
		{Tool: executionTrajectoryTool(), Handler: t.ExecutionTrajectory},
		{Tool: executionChangesTool(), Handler: t.ExecutionChanges},
		{Tool: escalateToUserTool(), Handler: t.EscalateToUser},
		{Tool: notifyUserTool(), Handler: t.NotifyUser},
	}
	for i := range defs {
		defs[i].Handler = t.rec.wrap(defs[i].Tool.Name, defs[i].Handler)
	}
	return defs
}

// NewServer creates an MCP server exposing the workflow tools.
func NewServer(t *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"semflow",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(fmt.Sprintf(
			"Tools for orchestrating workflow %s. Every call acts on this workflow.", t.workflowID)),
	)
	s.AddTools(t.ServerTools()...)
	return s
}

// Tool definitions.

func workflowStatusTool() mcp.Tool {
	return mcp.NewTool(ToolWorkflowStatus,
		mcp.WithDescription("Show the workflow, its steps with task titles, active executions and the steps ready to start."),
	)
}

func workflowCompleteTool() mcp.Tool {
	return mcp.NewTool(ToolWorkflowComplete,
		mcp.WithDescription("Finish the workflow. Completing requires that no step execution is still active."),
		mcp.WithString("summary", mcp.Required(), mcp.Description("What was accomplished")),
		mcp.WithString("status",
			mcp.Description("Final status"),
			mcp.Enum(string(workflow.StatusCompleted), string(workflow.StatusFailed)),
		),
	)
}

func executeIssueTool() mcp.Tool {
	return mcp.NewTool(ToolExecuteIssue,
		mcp.WithDescription("Start a coding agent on one issue of the workflow."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue to implement")),
		mcp.WithString("worktree_mode",
			mcp.Required(),
			mcp.Description("create_root starts a fresh worktree; use_root and use_branch reuse worktree_id; create_branch stacks on worktree_id or the base branch"),
			mcp.Enum(
				string(execution.WorktreeCreateRoot),
				string(execution.WorktreeUseRoot),
				string(execution.WorktreeCreateBranch),
				string(execution.WorktreeUseBranch),
			),
		),
		mcp.WithString("worktree_id", mcp.Description("Existing worktree; required for use_root and use_branch, optional parent for create_branch")),
		mcp.WithString("agent_type", mcp.Description("Agent to run; defaults to the workflow's agent")),
		mcp.WithBoolean("force", mcp.Description("Start even if dependencies are unfinished")),
	)
}

func executionStatusTool() mcp.Tool {
	return mcp.NewTool(ToolExecutionStatus,
		mcp.WithDescription("Show the runtime status of a step execution."),
		mcp.WithString("execution_id", mcp.Required()),
	)
}

func executionCancelTool() mcp.Tool {
	return mcp.NewTool(ToolExecutionCancel,
		mcp.WithDescription("Stop a running step execution. Its step is marked failed."),
		mcp.WithString("execution_id", mcp.Required()),
		mcp.WithString("reason", mcp.Description("Why the execution is stopped")),
	)
}

func executionTrajectoryTool() mcp.Tool {
	return mcp.NewTool(ToolExecutionTrajectory,
		mcp.WithDescription("Summarize what an execution did: tool calls, results, messages and errors, most recent last."),
		mcp.WithString("execution_id", mcp.Required()),
		mcp.WithNumber("max_entries", mcp.Description("Number of most recent entries to return")),
	)
}

func executionChangesTool() mcp.Tool {
	return mcp.NewTool(ToolExecutionChanges,
		mcp.WithDescription("List the files an execution changed: committed on its branch and still uncommitted in its worktree."),
		mcp.WithString("execution_id", mcp.Required()),
		mcp.WithBoolean("include_diff", mcp.Description("Include patch text per file")),
		mcp.WithArray("paths",
			mcp.Description("Glob patterns (** allowed) to filter files"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

func escalateToUserTool() mcp.Tool {
	return mcp.NewTool(ToolEscalateToUser,
		mcp.WithDescription("Ask a human for a decision. The answer arrives later as a follow-up message."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The question")),
		mcp.WithArray("options",
			mcp.Description("Suggested answers"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("context", mcp.Description("Background the human needs")),
	)
}

func notifyUserTool() mcp.Tool {
	return mcp.NewTool(ToolNotifyUser,
		mcp.WithDescription("Tell the human about progress without waiting for an answer."),
		mcp.WithString("message", mcp.Required()),
		mcp.WithString("level",
			mcp.Enum(string(workflow.LevelInfo), string(workflow.LevelWarning), string(workflow.LevelError)),
		),
	)
}

// Handlers.

// WorkflowStatus handles workflow_status.
func (t *Tools) WorkflowStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := t.engine.WorkflowStatus(ctx, t.workflowID)
	if err != nil {
		return t.failure(ToolWorkflowStatus, err), nil
	}
	return jsonResult(report)
}

// WorkflowComplete handles workflow_complete.
func (t *Tools) WorkflowComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := request.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status := workflow.Status(request.GetString("status", string(workflow.StatusCompleted)))

	wf, err := t.engine.CompleteWorkflow(ctx, t.workflowID, summary, status)
	if err != nil {
		return t.failure(ToolWorkflowComplete, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Workflow %s is now %s.", wf.ID, wf.Status)), nil
}

// ExecuteIssue handles execute_issue.
func (t *Tools) ExecuteIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode, err := request.RequireString("worktree_mode")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.engine.ExecuteIssue(ctx, t.workflowID, engine.ExecuteRequest{
		IssueID:      issueID,
		WorktreeMode: execution.WorktreeMode(mode),
		WorktreeID:   request.GetString("worktree_id", ""),
		AgentType:    request.GetString("agent_type", ""),
		Force:        request.GetBool("force", false),
	})
	if err != nil {
		return t.failure(ToolExecuteIssue, err), nil
	}
	return jsonResult(res)
}

// ExecutionStatus handles execution_status.
func (t *Tools) ExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := t.engine.ExecutionStatus(ctx, t.workflowID, executionID)
	if err != nil {
		return t.failure(ToolExecutionStatus, err), nil
	}
	return jsonResult(exec)
}

// ExecutionCancel handles execution_cancel.
func (t *Tools) ExecutionCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := t.engine.CancelExecution(ctx, t.workflowID, executionID, request.GetString("reason", ""))
	if err != nil {
		return t.failure(ToolExecutionCancel, err), nil
	}
	return jsonResult(exec)
}

// ExecutionTrajectory handles execution_trajectory.
func (t *Tools) ExecutionTrajectory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("max_entries", t.maxTrajectory)
	if limit <= 0 || limit > t.maxTrajectory {
		limit = t.maxTrajectory
	}

	logs, err := t.engine.ExecutionLogs(ctx, t.workflowID, executionID)
	if err != nil {
		return t.failure(ToolExecutionTrajectory, err), nil
	}
	return jsonResult(trajectory.Build(executionID, logs, limit))
}

// ExecutionChanges handles execution_changes.
func (t *Tools) ExecutionChanges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if t.snapshots == nil {
		return mcp.NewToolResultError("change snapshots are not configured"), nil
	}
	paths := request.GetStringSlice("paths", nil)
	if err := changes.ValidatePaths(paths); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	exec, err := t.engine.ExecutionStatus(ctx, t.workflowID, executionID)
	if err != nil {
		return t.failure(ToolExecutionChanges, err), nil
	}

	snap, err := t.snapshots.Snapshot(ctx, changes.Request{
		WorktreePath: exec.WorktreePath,
		BaseBranch:   exec.BaseBranch,
		Branch:       exec.BranchName,
		IncludeDiff:  request.GetBool("include_diff", false),
		Paths:        paths,
	})
	if err != nil {
		return t.failure(ToolExecutionChanges, err), nil
	}
	if !snap.Available {
		return mcp.NewToolResultError(fmt.Sprintf("changes for execution %s are unavailable: %s", executionID, snap.Reason)), nil
	}
	return jsonResult(snap)
}

// EscalateToUser handles escalate_to_user.
func (t *Tools) EscalateToUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.engine.Escalate(ctx, t.workflowID, engine.EscalationRequest{
		Message: message,
		Options: request.GetStringSlice("options", nil),
		Context: request.GetString("context", ""),
	})
	if err != nil {
		return t.failure(ToolEscalateToUser, err), nil
	}
	return jsonResult(res)
}

// NotifyUser handles notify_user.
func (t *Tools) NotifyUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	level := workflow.NotificationLevel(request.GetString("level", string(workflow.LevelInfo)))
	if _, err := t.engine.Notify(ctx, t.workflowID, message, level); err != nil {
		return t.failure(ToolNotifyUser, err), nil
	}
	return mcp.NewToolResultText("Notification recorded."), nil
}

// failure turns an engine error into a tool error result. Rejections are
// reported as-is; anything else is logged as well.
func (t *Tools) failure(tool string, err error) *mcp.CallToolResult {
	switch {
	case workflow.IsValidation(err), workflow.IsNotFound(err), workflow.IsStateConflict(err):
	default:
		t.logger.Error("Tool failed", "tool", tool, "error", err)
	}
	return mcp.NewToolResultError(strings.TrimSpace(err.Error()))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
