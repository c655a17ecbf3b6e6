package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/workflow"
)

// maxParallelCancels bounds concurrent cancel calls during CancelWorkflow.
const maxParallelCancels = 4

// StartWorkflow moves a pending workflow to running and spawns its
// orchestrator. If the orchestrator cannot be spawned the workflow is
// marked failed and the spawn error is returned.
func (e *Engine) StartWorkflow(ctx context.Context, id string) (wf *workflow.Workflow, err error) {
	ctx, span := e.startSpan(ctx, "start", id)
	defer func() { finish(span, "start", err) }()

	wf, _, err = e.transition(ctx, id, "start workflow", workflow.StatusRunning, func(wf *workflow.Workflow) error {
		if wf.Status != workflow.StatusPending {
			return workflow.NewStateConflictError("start workflow", wf.Status.String(), "")
		}
		return nil
	}, func(wf *workflow.Workflow) {
		wf.StartedAt = e.timestamp()
	})
	if err != nil {
		return nil, err
	}
	e.recordAfterChange(ctx, id, workflow.EventWorkflowStarted, "", workflow.WorkflowStartedPayload{
		StepCount: len(wf.Steps),
		Goal:      wf.Source.Goal,
	})

	exec, err := e.spawnOrchestrator(ctx, wf)
	if err != nil {
		e.logger.Error("Orchestrator spawn failed", "workflow_id", id, "error", err)
		if _, ferr := e.finishWorkflow(ctx, id, workflow.StatusFailed,
			"orchestrator failed to start: "+err.Error(), false); ferr != nil {
			e.logger.Warn("Failed to mark workflow failed", "workflow_id", id, "error", ferr)
		}
		return nil, fmt.Errorf("spawn orchestrator: %w", err)
	}

	if err := e.store.SetOrchestrator(ctx, id, exec.ID, exec.SessionID); err != nil {
		return nil, fmt.Errorf("record orchestrator: %w", err)
	}

	// The workflow may have been cancelled while the spawn was in flight.
	current, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		e.logger.Warn("Workflow ended during orchestrator spawn, cancelling orchestrator",
			"workflow_id", id, "status", current.Status, "execution_id", exec.ID)
		e.cancelExecutions(ctx, id, []string{exec.ID})
	}

	e.logger.Info("Workflow started",
		"workflow_id", id,
		"orchestrator_execution_id", exec.ID,
		"session_id", exec.SessionID)
	return current, nil
}

func (e *Engine) spawnOrchestrator(ctx context.Context, wf *workflow.Workflow) (*execution.Execution, error) {
	mcpConfig, err := toolServerConfig(e.opts.ToolServer, wf.ID)
	if err != nil {
		return nil, err
	}
	model := wf.Config.OrchestratorModel
	if model == "" {
		model = e.opts.OrchestratorModel
	}

	issues := e.issueTitles(ctx, wf)
	return e.port.Start(ctx, execution.StartRequest{
		WorkflowID:         wf.ID,
		AgentType:          e.opts.OrchestratorAgentType,
		Model:              model,
		Prompt:             orchestratorPrompt(wf, issues, readySteps(wf)),
		AppendSystemPrompt: orchestratorDirective(wf),
		BaseBranch:         wf.BaseBranch,
		MCPConfig:          mcpConfig,
	})
}

// PauseWorkflow moves a running workflow to paused. Wakeups are held until
// the workflow is resumed.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) (wf *workflow.Workflow, err error) {
	ctx, span := e.startSpan(ctx, "pause", id)
	defer func() { finish(span, "pause", err) }()
	return e.pause(ctx, id, "")
}

func (e *Engine) pause(ctx context.Context, id, reason string) (*workflow.Workflow, error) {
	wf, from, err := e.transition(ctx, id, "pause workflow", workflow.StatusPaused, nil, nil)
	if err != nil {
		return nil, err
	}
	e.recordAfterChange(ctx, id, workflow.EventWorkflowPaused, "", workflow.WorkflowTransitionPayload{
		From: from, To: workflow.StatusPaused, Reason: reason,
	})
	return wf, nil
}

// ResumeWorkflow moves a paused workflow back to running and wakes the
// orchestrator with everything recorded while paused.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) (wf *workflow.Workflow, err error) {
	ctx, span := e.startSpan(ctx, "resume", id)
	defer func() { finish(span, "resume", err) }()

	wf, from, err := e.transition(ctx, id, "resume workflow", workflow.StatusRunning, func(wf *workflow.Workflow) error {
		if wf.Status != workflow.StatusPaused {
			return workflow.NewStateConflictError("resume workflow", wf.Status.String(), "")
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	e.recordAfterChange(ctx, id, workflow.EventWorkflowResumed, "", workflow.WorkflowTransitionPayload{
		From: from, To: workflow.StatusRunning,
	})

	if _, err := e.waker.TriggerWakeup(ctx, id); err != nil {
		e.logger.Warn("Wakeup after resume failed", "workflow_id", id, "error", err)
	}
	return wf, nil
}

// CancelWorkflow ends a non-terminal workflow. The workflow reaches
// cancelled even if stopping its executions fails; those failures are logged.
func (e *Engine) CancelWorkflow(ctx context.Context, id, reason string) (wf *workflow.Workflow, err error) {
	ctx, span := e.startSpan(ctx, "cancel", id)
	defer func() { finish(span, "cancel", err) }()

	var toCancel []string
	wf, from, err := e.transition(ctx, id, "cancel workflow", workflow.StatusCancelled, nil, func(wf *workflow.Workflow) {
		wf.CompletedAt = e.timestamp()
		if wf.OrchestratorExecutionID != "" {
			toCancel = append(toCancel, wf.OrchestratorExecutionID)
		}
		for _, step := range wf.Steps {
			if step.ExecutionID != "" && step.Status == workflow.StepRunning {
				toCancel = append(toCancel, step.ExecutionID)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	e.cancelExecutions(ctx, id, toCancel)
	e.waker.CancelPendingWakeup(id)
	e.recordAfterChange(ctx, id, workflow.EventWorkflowCancelled, "", workflow.WorkflowTransitionPayload{
		From: from, To: workflow.StatusCancelled, Reason: reason,
	})
	return wf, nil
}

// cancelExecutions stops every listed execution that is still active.
func (e *Engine) cancelExecutions(ctx context.Context, workflowID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(maxParallelCancels)
	for _, execID := range ids {
		g.Go(func() error {
			exec, err := e.port.Get(ctx, execID)
			if err != nil {
				e.logger.Warn("Could not look up execution to cancel",
					"workflow_id", workflowID, "execution_id", execID, "error", err)
				return nil
			}
			if !exec.Status.IsActive() {
				return nil
			}
			if err := e.port.Cancel(ctx, execID); err != nil {
				e.logger.Warn("Failed to cancel execution",
					"workflow_id", workflowID, "execution_id", execID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CompleteWorkflow ends a running workflow with the orchestrator's summary.
// Completing as completed is refused while any step execution is active.
func (e *Engine) CompleteWorkflow(ctx context.Context, id, summary string, status workflow.Status) (wf *workflow.Workflow, err error) {
	ctx, span := e.startSpan(ctx, "complete", id)
	defer func() { finish(span, "complete", err) }()

	if status != workflow.StatusCompleted && status != workflow.StatusFailed {
		return nil, workflow.NewValidationError("status", "must be completed or failed, got %q", status)
	}
	if strings.TrimSpace(summary) == "" {
		return nil, workflow.NewValidationError("summary", "summary is required")
	}
	return e.finishWorkflow(ctx, id, status, summary, status == workflow.StatusCompleted)
}

func (e *Engine) finishWorkflow(ctx context.Context, id string, status workflow.Status, summary string, requireIdle bool) (*workflow.Workflow, error) {
	op := "complete workflow"
	if status == workflow.StatusFailed {
		op = "fail workflow"
	}

	var check func(*workflow.Workflow) error
	if requireIdle {
		check = func(wf *workflow.Workflow) error {
			active, err := e.activeStepExecutions(ctx, wf)
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return workflow.NewStateConflictError(op, wf.Status.String(),
					"executions still active: "+strings.Join(active, ", "))
			}
			return nil
		}
	}

	wf, _, err := e.transition(ctx, id, op, status, check, func(wf *workflow.Workflow) {
		wf.CompletedAt = e.timestamp()
	})
	if err != nil {
		return nil, err
	}

	e.waker.CancelPendingWakeup(id)
	typ := workflow.EventWorkflowCompleted
	if status == workflow.StatusFailed {
		typ = workflow.EventWorkflowFailed
	}
	e.recordAfterChange(ctx, id, typ, "", workflow.WorkflowFinishedPayload{Status: status, Summary: summary})
	return wf, nil
}

// activeStepExecutions returns the linked step executions the runtime
// reports as pending, preparing or running.
func (e *Engine) activeStepExecutions(ctx context.Context, wf *workflow.Workflow) ([]string, error) {
	var active []string
	for _, step := range wf.Steps {
		if step.ExecutionID == "" {
			if step.Status == workflow.StepRunning {
				// Reserved by an execute_issue call that has not returned yet.
				active = append(active, "step "+step.IssueID)
			}
			continue
		}
		exec, err := e.port.Get(ctx, step.ExecutionID)
		if errors.Is(err, execution.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check execution %s: %w", step.ExecutionID, err)
		}
		if exec.Status.IsActive() {
			active = append(active, exec.ID)
		}
	}
	return active, nil
}
