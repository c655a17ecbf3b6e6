// Package engine owns workflow lifecycle: creating workflows from issue
// sources, driving the status state machine, spawning the orchestrator
// agent and applying step outcomes reported by the agent runtime.
//
// Every mutation of a workflow row happens under a per-workflow lock.
// Calls that spawn or message agent processes run outside the lock; the row
// is written before and after such a call, never during it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/wakeup"
	"github.com/c360studio/semflow/workflow"
)

var tracer = otel.Tracer("github.com/c360studio/semflow/engine")

// Store is the persistence the engine needs.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	SetOrchestrator(ctx context.Context, workflowID, executionID, sessionID string) error
	ListWorkflows(ctx context.Context, status workflow.Status) ([]*workflow.Workflow, error)
	FindWorkflowByExecution(ctx context.Context, executionID string) (*workflow.Workflow, error)
	AppendEvent(ctx context.Context, evt *workflow.Event) error
	ListEvents(ctx context.Context, workflowID string) ([]workflow.Event, error)
}

// IssueLookup reads the issue tracker.
type IssueLookup interface {
	GetIssue(ctx context.Context, id string) (*workflow.Issue, error)
	ListIssuesBySpec(ctx context.Context, specID string) ([]workflow.Issue, error)
	ListRelationships(ctx context.Context, ids []string) ([]workflow.Relationship, error)
}

// Waker records events that should wake the orchestrator and delivers
// wakeups on demand.
type Waker interface {
	RecordEvent(ctx context.Context, workflowID string, typ workflow.EventType, stepID string, payload workflow.Payload) (*workflow.Event, error)
	TriggerWakeup(ctx context.Context, workflowID string) (*wakeup.Result, error)
	CancelPendingWakeup(workflowID string) bool
}

// Dependencies are the collaborators an Engine is built from.
type Dependencies struct {
	Store  Store
	Issues IssueLookup
	Port   execution.Port
	Waker  Waker
	Logger *slog.Logger
}

// ToolServer describes how the orchestrator launches the workflow tool server.
type ToolServer struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Options configures engine behavior.
type Options struct {
	// DefaultAgentType is used for steps when the workflow config has none.
	DefaultAgentType string
	// OrchestratorAgentType is the agent that drives each workflow.
	OrchestratorAgentType string
	// OrchestratorModel is used when the workflow config does not pick one.
	OrchestratorModel string
	// BaseBranch is used when a workflow is created without one.
	BaseBranch string
	// ToolServer is handed to the orchestrator as its MCP configuration.
	ToolServer ToolServer
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		DefaultAgentType:      "claude-code",
		OrchestratorAgentType: "claude-code",
		BaseBranch:            "main",
		ToolServer: ToolServer{
			Name:    "semflow",
			Command: "semflow",
		},
	}
}

// Engine implements the workflow state machine.
type Engine struct {
	store  Store
	issues IssueLookup
	port   execution.Port
	waker  Waker
	logger *slog.Logger
	opts   Options
	locks  *keyedMutex
	now    func() time.Time
}

// New creates an engine.
func New(deps Dependencies, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Issues == nil {
		return nil, errors.New("engine: issue lookup is required")
	}
	if deps.Port == nil {
		return nil, errors.New("engine: execution port is required")
	}
	if deps.Waker == nil {
		return nil, errors.New("engine: waker is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultOptions()
	if opts.DefaultAgentType == "" {
		opts.DefaultAgentType = defaults.DefaultAgentType
	}
	if opts.OrchestratorAgentType == "" {
		opts.OrchestratorAgentType = defaults.OrchestratorAgentType
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = defaults.BaseBranch
	}
	if opts.ToolServer.Name == "" {
		opts.ToolServer.Name = defaults.ToolServer.Name
	}
	if opts.ToolServer.Command == "" {
		opts.ToolServer.Command = defaults.ToolServer.Command
	}

	return &Engine{
		store:  deps.Store,
		issues: deps.Issues,
		port:   deps.Port,
		waker:  deps.Waker,
		logger: logger,
		opts:   opts,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}, nil
}

// GetWorkflow returns the workflow, or nil if it does not exist.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first, optionally filtered by status.
func (e *Engine) ListWorkflows(ctx context.Context, status workflow.Status) ([]*workflow.Workflow, error) {
	if status != "" && !status.IsValid() {
		return nil, workflow.NewValidationError("status", "unknown status %q", status)
	}
	return e.store.ListWorkflows(ctx, status)
}

// ListEvents returns the full event log for a workflow in recorded order.
func (e *Engine) ListEvents(ctx context.Context, id string) ([]workflow.Event, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id)
}

// load fetches a workflow, mapping a missing row to NotFoundError.
func (e *Engine) load(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflow.NewNotFoundError("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	return wf, nil
}

// transition moves a workflow to status `to` under its lock. check runs
// against the current row before anything changes and may veto the move;
// mutate runs after the status is set.
func (e *Engine) transition(ctx context.Context, id, op string, to workflow.Status,
	check func(*workflow.Workflow) error, mutate func(*workflow.Workflow)) (*workflow.Workflow, workflow.Status, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !wf.Status.CanTransitionTo(to) {
		return nil, "", workflow.NewStateConflictError(op, wf.Status.String(), "")
	}
	if check != nil {
		if err := check(wf); err != nil {
			return nil, "", err
		}
	}

	from := wf.Status
	wf.Status = to
	if mutate != nil {
		mutate(wf)
	}
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	metrics.RecordTransition(from.String(), to.String())
	e.logger.Info("Workflow status changed",
		"workflow_id", id, "from", from, "to", to)
	return wf, from, nil
}

// appendEvent writes an event that does not wake the orchestrator.
func (e *Engine) appendEvent(ctx context.Context, workflowID string, typ workflow.EventType, stepID string, payload workflow.Payload) (*workflow.Event, error) {
	evt, err := workflow.NewEvent(workflowID, typ, stepID, payload, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("append %s: %w", typ, err)
	}
	return evt, nil
}

// recordAfterChange appends an event describing a change that has already
// been committed. Failures are logged rather than returned.
func (e *Engine) recordAfterChange(ctx context.Context, workflowID string, typ workflow.EventType, stepID string, payload workflow.Payload) {
	if _, err := e.appendEvent(ctx, workflowID, typ, stepID, payload); err != nil {
		e.logger.Warn("Failed to record workflow event",
			"workflow_id", workflowID, "type", typ, "error", err)
	}
}

func (e *Engine) timestamp() *time.Time {
	now := e.now()
	return &now
}

func (e *Engine) startSpan(ctx context.Context, op, workflowID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
	))
}

// finish ends span and records the operation outcome.
func finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		metrics.RecordOperation(op, metrics.ResultOK)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if isRejection(err) {
		metrics.RecordOperation(op, metrics.ResultRejected)
		return
	}
	metrics.RecordOperation(op, metrics.ResultError)
}

func isRejection(err error) bool {
	return workflow.IsValidation(err) || workflow.IsNotFound(err) ||
		workflow.IsStateConflict(err) || workflow.IsCycle(err)
}
