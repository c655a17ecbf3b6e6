package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/workflow"
)

// StepReport is a step together with its issue title.
type StepReport struct {
	workflow.Step
	Title string `json:"title,omitempty"`
}

// StatusReport is the orchestrator's view of its workflow. ConcurrencyLimit
// is advisory (0 means unlimited); the orchestrator keeps RunningSteps
// within it.
type StatusReport struct {
	ID                string                               `json:"id"`
	Title             string                               `json:"title"`
	Status            workflow.Status                      `json:"status"`
	Source            workflow.Source                      `json:"source"`
	BaseBranch        string                               `json:"base_branch"`
	Config            workflow.Config                      `json:"config"`
	CurrentStepIndex  int                                  `json:"current_step_index"`
	StartedAt         *time.Time                           `json:"started_at,omitempty"`
	CompletedAt       *time.Time                           `json:"completed_at,omitempty"`
	Steps             []StepReport                         `json:"steps"`
	ActiveExecutions  []execution.Execution                `json:"active_executions"`
	RunningSteps      int                                  `json:"running_steps"`
	ConcurrencyLimit  int                                  `json:"concurrency_limit"`
	ReadySteps        []string                             `json:"ready_steps"`
	ReadyIssues       []string                             `json:"ready_issues"`
	PendingEscalation *workflow.EscalationRequestedPayload `json:"pending_escalation,omitempty"`
}

// WorkflowStatus assembles the status report for a workflow. Executions the
// runtime no longer knows are left out of ActiveExecutions.
func (e *Engine) WorkflowStatus(ctx context.Context, id string) (*StatusReport, error) {
	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	issues := e.issueTitles(ctx, wf)
	report := &StatusReport{
		ID:               wf.ID,
		Title:            wf.Title,
		Status:           wf.Status,
		Source:           wf.Source,
		BaseBranch:       wf.BaseBranch,
		Config:           wf.Config,
		CurrentStepIndex: wf.CurrentStepIndex,
		StartedAt:        wf.StartedAt,
		CompletedAt:      wf.CompletedAt,
		Steps:            make([]StepReport, 0, len(wf.Steps)),
		ActiveExecutions: []execution.Execution{},
		RunningSteps:     len(wf.StepsWithStatus(workflow.StepRunning)),
		ConcurrencyLimit: concurrencyLimit(wf.Config),
		ReadySteps:       []string{},
		ReadyIssues:      []string{},
	}

	for _, step := range wf.Steps {
		sr := StepReport{Step: step}
		if issue, ok := issues[step.IssueID]; ok {
			sr.Title = issue.Title
		}
		report.Steps = append(report.Steps, sr)

		if step.ExecutionID == "" || step.Status != workflow.StepRunning {
			continue
		}
		exec, err := e.port.Get(ctx, step.ExecutionID)
		if errors.Is(err, execution.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get execution %s: %w", step.ExecutionID, err)
		}
		if exec.Status.IsActive() {
			report.ActiveExecutions = append(report.ActiveExecutions, *exec)
		}
	}

	if !wf.Status.IsTerminal() {
		for _, step := range readySteps(wf) {
			report.ReadySteps = append(report.ReadySteps, step.ID)
			report.ReadyIssues = append(report.ReadyIssues, step.IssueID)
		}
	}

	report.PendingEscalation, err = e.openEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ExecutionLogs returns the raw log of a step execution that belongs to the
// workflow.
func (e *Engine) ExecutionLogs(ctx context.Context, id, executionID string) ([]execution.LogEntry, error) {
	if _, err := e.linkedStep(ctx, id, executionID); err != nil {
		return nil, err
	}
	logs, err := e.port.Logs(ctx, executionID)
	if errors.Is(err, execution.ErrNotFound) {
		return nil, workflow.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("execution logs %s: %w", executionID, err)
	}
	return logs, nil
}
