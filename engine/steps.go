package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/graph"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// readySteps returns pending steps whose dependencies are all completed or
// skipped, in step order.
func readySteps(wf *workflow.Workflow) []workflow.Step {
	tasks := make([]graph.Task, 0, len(wf.Steps))
	var satisfied []string
	for _, step := range wf.Steps {
		rels := make([]graph.Relation, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			rels = append(rels, graph.Relation{Type: workflow.RelationDependsOn, TargetID: dep})
		}
		tasks = append(tasks, graph.Task{ID: step.ID, Priority: step.Index, Relations: rels})
		if step.Status.SatisfiesDependency() {
			satisfied = append(satisfied, step.ID)
		}
	}

	var out []workflow.Step
	for _, task := range graph.GetReadyTasks(tasks, satisfied) {
		step, _ := wf.Step(task.ID)
		if step.Status == workflow.StepPending {
			out = append(out, *step)
		}
	}
	return out
}

// GetReadySteps returns the pending steps that may start now: every
// dependency is completed or skipped. A skipped step satisfies the steps
// that depend on it.
func (e *Engine) GetReadySteps(ctx context.Context, id string) ([]workflow.Step, error) {
	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return readySteps(wf), nil
}

// RetryStep records a human request to re-run a step. The step itself is
// not changed; the orchestrator acts on the signal at its next wakeup.
func (e *Engine) RetryStep(ctx context.Context, id, stepID, reason string) (evt *workflow.Event, err error) {
	ctx, span := e.startSpan(ctx, "retry_step", id)
	defer func() { finish(span, "retry_step", err) }()

	step, err := e.signalTarget(ctx, id, stepID, "retry step")
	if err != nil {
		return nil, err
	}
	return e.waker.RecordEvent(ctx, id, workflow.EventStepRetryRequested, stepID, workflow.StepControlPayload{
		Action:  workflow.StepActionRetry,
		IssueID: step.IssueID,
		Reason:  reason,
	})
}

// SkipStep records a human request to skip a step. Once the signal is
// recorded, a step that has not started is marked skipped so its dependents
// become ready; a step already running is left to the orchestrator.
func (e *Engine) SkipStep(ctx context.Context, id, stepID, reason string) (evt *workflow.Event, err error) {
	ctx, span := e.startSpan(ctx, "skip_step", id)
	defer func() { finish(span, "skip_step", err) }()

	step, err := e.signalTarget(ctx, id, stepID, "skip step")
	if err != nil {
		return nil, err
	}
	evt, err = e.waker.RecordEvent(ctx, id, workflow.EventStepSkipped, stepID, workflow.StepControlPayload{
		Action:  workflow.StepActionSkip,
		IssueID: step.IssueID,
		Reason:  reason,
	})
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(id)
	defer unlock()
	wf, err := e.load(ctx, id)
	if err != nil {
		return evt, nil
	}
	if s, ok := wf.Step(stepID); ok && s.Status == workflow.StepPending && !wf.Status.IsTerminal() {
		s.Status = workflow.StepSkipped
		if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
			e.logger.Warn("Failed to mark step skipped", "workflow_id", id, "step_id", stepID, "error", err)
		}
	}
	return evt, nil
}

func (e *Engine) signalTarget(ctx context.Context, id, stepID, op string) (*workflow.Step, error) {
	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return nil, workflow.NewStateConflictError(op, wf.Status.String(), "")
	}
	step, ok := wf.Step(stepID)
	if !ok {
		return nil, workflow.NewNotFoundError("step", stepID)
	}
	return step, nil
}

// ExecuteRequest asks the engine to run one issue of a workflow.
type ExecuteRequest struct {
	IssueID      string
	WorktreeMode execution.WorktreeMode
	WorktreeID   string
	AgentType    string
	// Force skips the dependency check. Used when acting on a retry or skip
	// request from a human.
	Force bool
}

// ExecuteResult is the outcome of ExecuteIssue.
type ExecuteResult struct {
	Step      workflow.Step        `json:"step"`
	Execution *execution.Execution `json:"execution"`
}

// ExecuteIssue starts an execution for a workflow step. The step is reserved
// as running before the runtime call and linked to the execution after it;
// if the runtime refuses, the step returns to its previous state.
func (e *Engine) ExecuteIssue(ctx context.Context, id string, req ExecuteRequest) (res *ExecuteResult, err error) {
	ctx, span := e.startSpan(ctx, "execute_issue", id)
	defer func() { finish(span, "execute_issue", err) }()

	if req.IssueID == "" {
		return nil, workflow.NewValidationError("issue_id", "issue id is required")
	}
	if !req.WorktreeMode.IsValid() {
		return nil, workflow.NewValidationError("worktree_mode", "unknown worktree mode %q", req.WorktreeMode)
	}
	if req.WorktreeMode.RequiresWorktreeID() && req.WorktreeID == "" {
		return nil, workflow.NewValidationError("worktree_id", "worktree id is required for %s", req.WorktreeMode)
	}

	issue, err := e.getIssue(ctx, req.IssueID)
	if err != nil {
		return nil, err
	}

	reserved, previous, wf, err := e.reserveStep(ctx, id, req)
	if err != nil {
		return nil, err
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = wf.Config.DefaultAgentType
	}
	exec, startErr := e.port.Start(ctx, execution.StartRequest{
		WorkflowID:   id,
		IssueID:      req.IssueID,
		AgentType:    agentType,
		Prompt:       stepPrompt(wf, issue),
		WorktreeMode: req.WorktreeMode,
		WorktreeID:   req.WorktreeID,
		BaseBranch:   wf.BaseBranch,
	})
	if startErr != nil {
		e.releaseStep(ctx, id, reserved.ID, previous)
		return nil, fmt.Errorf("start execution for %s: %w", req.IssueID, startErr)
	}

	if limit := concurrencyLimit(wf.Config); limit > 0 {
		if running := len(wf.StepsWithStatus(workflow.StepRunning)); running > limit {
			e.logger.Warn("Running steps exceed the workflow's parallelism",
				"workflow_id", id, "running", running, "limit", limit, "parallelism", wf.Config.Parallelism)
		}
	}

	step, cancelled, err := e.linkStep(ctx, id, reserved.ID, exec.ID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		e.cancelExecutions(ctx, id, []string{exec.ID})
		return nil, workflow.NewStateConflictError("execute issue", workflow.StatusCancelled.String(),
			"workflow ended while the execution was starting")
	}

	e.recordAfterChange(ctx, id, workflow.EventStepStarted, step.ID, workflow.StepStartedPayload{
		IssueID:      req.IssueID,
		ExecutionID:  exec.ID,
		AgentType:    agentType,
		WorktreeMode: string(req.WorktreeMode),
	})
	e.logger.Info("Step execution started",
		"workflow_id", id,
		"issue_id", req.IssueID,
		"execution_id", exec.ID,
		"worktree_mode", req.WorktreeMode)
	return &ExecuteResult{Step: *step, Execution: exec}, nil
}

// reserveStep validates the request against the workflow and marks the
// target step running with no execution yet.
func (e *Engine) reserveStep(ctx context.Context, id string, req ExecuteRequest) (*workflow.Step, workflow.Step, *workflow.Workflow, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, workflow.Step{}, nil, err
	}
	if wf.Status != workflow.StatusRunning {
		return nil, workflow.Step{}, nil, workflow.NewStateConflictError("execute issue", wf.Status.String(), "")
	}

	step, ok := wf.StepByIssue(req.IssueID)
	if !ok {
		if wf.Source.Type != workflow.SourceGoal {
			return nil, workflow.Step{}, nil, workflow.NewValidationError("issue_id",
				"issue %s is not part of workflow %s", req.IssueID, id)
		}
		wf.Steps = append(wf.Steps, workflow.Step{
			ID:           workflow.NewStepID(),
			IssueID:      req.IssueID,
			Index:        len(wf.Steps),
			Dependencies: []string{},
			Status:       workflow.StepPending,
		})
		step = &wf.Steps[len(wf.Steps)-1]
	}

	if step.Status == workflow.StepRunning {
		return nil, workflow.Step{}, nil, workflow.NewStateConflictError("execute issue",
			"running", "step for "+req.IssueID+" already has an execution")
	}
	if !req.Force {
		if unmet := unmetDependencies(wf, step); len(unmet) > 0 {
			return nil, workflow.Step{}, nil, workflow.NewStateConflictError("execute issue",
				string(step.Status), "waiting on "+strings.Join(unmet, ", "))
		}
	}

	previous := *step
	step.Status = workflow.StepRunning
	step.ExecutionID = ""
	wf.CurrentStepIndex = step.Index
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, workflow.Step{}, nil, fmt.Errorf("reserve step: %w", err)
	}
	reserved := *step
	return &reserved, previous, wf, nil
}

// releaseStep undoes a reservation after the runtime refused to start.
func (e *Engine) releaseStep(ctx context.Context, id, stepID string, previous workflow.Step) {
	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		e.logger.Warn("Could not reload workflow to release step", "workflow_id", id, "error", err)
		return
	}
	step, ok := wf.Step(stepID)
	if !ok || step.Status != workflow.StepRunning || step.ExecutionID != "" {
		return
	}
	step.Status = previous.Status
	step.ExecutionID = previous.ExecutionID
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		e.logger.Warn("Failed to release step", "workflow_id", id, "step_id", stepID, "error", err)
	}
}

// linkStep records the execution on a reserved step. cancelled is true if
// the workflow ended while the execution was starting.
func (e *Engine) linkStep(ctx context.Context, id, stepID, executionID string) (*workflow.Step, bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	step, ok := wf.Step(stepID)
	if !ok {
		return nil, false, workflow.NewNotFoundError("step", stepID)
	}
	step.ExecutionID = executionID
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, false, fmt.Errorf("link execution: %w", err)
	}
	linked := *step
	return &linked, wf.Status.IsTerminal(), nil
}

func unmetDependencies(wf *workflow.Workflow, step *workflow.Step) []string {
	var unmet []string
	for _, depID := range step.Dependencies {
		dep, ok := wf.Step(depID)
		if !ok || dep.Status.SatisfiesDependency() {
			continue
		}
		unmet = append(unmet, dep.IssueID)
	}
	return unmet
}

// concurrencyLimit is the number of running steps the workflow's
// parallelism setting asks the orchestrator to stay within. Zero means no
// limit. The engine reports it but does not enforce it; admission control
// belongs to the runtime.
func concurrencyLimit(cfg workflow.Config) int {
	if cfg.Parallelism == workflow.ParallelismSequential {
		return 1
	}
	return cfg.MaxConcurrency
}

// ExecutionStatus returns the runtime state of a step execution that
// belongs to the workflow.
func (e *Engine) ExecutionStatus(ctx context.Context, id, executionID string) (*execution.Execution, error) {
	if _, err := e.linkedStep(ctx, id, executionID); err != nil {
		return nil, err
	}
	return e.getExecution(ctx, executionID)
}

// CancelExecution stops a step execution that belongs to the workflow and
// marks its step failed. A deliberate cancel is not a step failure: the
// workflow's failure policy is not applied.
func (e *Engine) CancelExecution(ctx context.Context, id, executionID, reason string) (exec *execution.Execution, err error) {
	ctx, span := e.startSpan(ctx, "cancel_execution", id)
	defer func() { finish(span, "cancel_execution", err) }()

	if _, err := e.linkedStep(ctx, id, executionID); err != nil {
		return nil, err
	}
	exec, err = e.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, workflow.NewStateConflictError("cancel execution", string(exec.Status), "")
	}

	// The step is settled before the runtime call so that the runtime's own
	// cancelled update finds nothing running and cannot trigger the
	// failure policy.
	out, err := e.settleStep(ctx, id, executionID, execution.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := e.port.Cancel(ctx, executionID); err != nil {
		if out != nil {
			e.unsettleStep(ctx, id, executionID)
		}
		return nil, fmt.Errorf("cancel execution %s: %w", executionID, err)
	}

	if reason == "" {
		reason = "cancelled by orchestrator"
	}
	if out != nil {
		e.recordOutcome(ctx, id, out, executionID, execution.StatusCancelled, "", reason)
	}

	if refreshed, err := e.port.Get(ctx, executionID); err == nil {
		return refreshed, nil
	}
	exec.Status = execution.StatusCancelled
	return exec, nil
}

func (e *Engine) linkedStep(ctx context.Context, id, executionID string) (*workflow.Step, error) {
	if executionID == "" {
		return nil, workflow.NewValidationError("execution_id", "execution id is required")
	}
	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	step, ok := wf.StepByExecution(executionID)
	if !ok {
		return nil, workflow.NewValidationError("execution_id",
			"execution %s is not linked to workflow %s", executionID, id)
	}
	return step, nil
}

func (e *Engine) getExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	exec, err := e.port.Get(ctx, executionID)
	if errors.Is(err, execution.ErrNotFound) {
		return nil, workflow.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return exec, nil
}

// HandleExecutionUpdate applies a runtime status update to the step linked
// to the execution. Non-terminal updates and updates for unknown or already
// settled executions are ignored.
func (e *Engine) HandleExecutionUpdate(ctx context.Context, update execution.Update) error {
	if !update.Status.IsTerminal() {
		metrics.RecordExecutionUpdate(string(update.Status), false)
		return nil
	}

	wf, err := e.store.FindWorkflowByExecution(ctx, update.ExecutionID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.RecordExecutionUpdate(string(update.Status), false)
		e.logger.Debug("Update for unknown execution", "execution_id", update.ExecutionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find workflow for execution %s: %w", update.ExecutionID, err)
	}
	if _, isStep := wf.StepByExecution(update.ExecutionID); !isStep {
		metrics.RecordExecutionUpdate(string(update.Status), false)
		e.logger.Info("Orchestrator execution finished",
			"workflow_id", wf.ID, "execution_id", update.ExecutionID, "status", update.Status)
		return nil
	}

	applied, err := e.applyOutcome(ctx, wf.ID, update.ExecutionID, update.Status, update.Summary, update.Error)
	metrics.RecordExecutionUpdate(string(update.Status), applied)
	return err
}

// applyOutcome settles a running step, records the result and applies the
// workflow's failure policy. Returns false if the step was not running.
func (e *Engine) applyOutcome(ctx context.Context, id, executionID string, status execution.Status, summary, errMsg string) (bool, error) {
	out, err := e.settleStep(ctx, id, executionID, status)
	if err != nil || out == nil {
		return false, err
	}
	e.recordOutcome(ctx, id, out, executionID, status, summary, errMsg)

	if status != execution.StatusCompleted && out.workflowStatus == workflow.StatusRunning {
		e.applyFailurePolicy(ctx, id, out.policy, out.step, errMsg)
	}
	return true, nil
}

// settledStep is a step that settleStep moved out of running.
type settledStep struct {
	step           workflow.Step
	workflowStatus workflow.Status
	policy         workflow.FailurePolicy
}

// settleStep marks the running step linked to executionID completed or
// failed. It returns nil if no such step is running.
func (e *Engine) settleStep(ctx context.Context, id, executionID string, status execution.Status) (*settledStep, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	step, ok := wf.StepByExecution(executionID)
	if !ok || step.Status != workflow.StepRunning {
		return nil, nil
	}

	if status == execution.StatusCompleted {
		step.Status = workflow.StepCompleted
	} else {
		step.Status = workflow.StepFailed
	}
	wf.CurrentStepIndex = step.Index
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("update step: %w", err)
	}
	return &settledStep{step: *step, workflowStatus: wf.Status, policy: wf.Config.OnFailure}, nil
}

// unsettleStep puts a step failed by settleStep back to running.
func (e *Engine) unsettleStep(ctx context.Context, id, executionID string) {
	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		e.logger.Warn("Could not reload workflow to restore step", "workflow_id", id, "error", err)
		return
	}
	step, ok := wf.StepByExecution(executionID)
	if !ok || step.Status != workflow.StepFailed {
		return
	}
	step.Status = workflow.StepRunning
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		e.logger.Warn("Failed to restore step", "workflow_id", id, "execution_id", executionID, "error", err)
	}
}

// recordOutcome appends step_completed or step_failed. The event wakes the
// orchestrator unless the workflow has already ended.
func (e *Engine) recordOutcome(ctx context.Context, id string, out *settledStep, executionID string, status execution.Status, summary, errMsg string) {
	typ := workflow.EventStepCompleted
	if status != execution.StatusCompleted {
		typ = workflow.EventStepFailed
	}
	payload := workflow.StepFinishedPayload{
		IssueID:     out.step.IssueID,
		ExecutionID: executionID,
		Status:      string(status),
		Summary:     summary,
		Error:       errMsg,
	}
	if out.workflowStatus.IsTerminal() {
		e.recordAfterChange(ctx, id, typ, out.step.ID, payload)
	} else if _, err := e.waker.RecordEvent(ctx, id, typ, out.step.ID, payload); err != nil {
		e.logger.Warn("Failed to record step outcome", "workflow_id", id, "step_id", out.step.ID, "error", err)
	}

	e.logger.Info("Step settled",
		"workflow_id", id,
		"issue_id", out.step.IssueID,
		"execution_id", executionID,
		"status", out.step.Status)
}

func (e *Engine) applyFailurePolicy(ctx context.Context, id string, policy workflow.FailurePolicy, step workflow.Step, errMsg string) {
	reason := "step " + step.IssueID + " failed"
	if errMsg != "" {
		reason += ": " + errMsg
	}
	var err error
	switch policy {
	case workflow.OnFailurePause:
		_, err = e.pause(ctx, id, reason)
	case workflow.OnFailureFail:
		_, err = e.finishWorkflow(ctx, id, workflow.StatusFailed, reason, false)
	}
	if err != nil && !workflow.IsStateConflict(err) {
		e.logger.Warn("Failure policy not applied",
			"workflow_id", id, "policy", policy, "error", err)
	}
}
