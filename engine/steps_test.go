package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/workflow"
)

func TestExecuteIssue_StartsAndLinksExecution(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)

	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepRunning, res.Step.Status)
	assert.Equal(t, res.Execution.ID, res.Step.ExecutionID)
	assert.Equal(t, "semflow/i-1", res.Execution.BranchName)

	starts := f.port.Starts()
	require.Len(t, starts, 2, "orchestrator then step")
	step := starts[1]
	assert.Equal(t, "i-1", step.IssueID)
	assert.Equal(t, "claude-code", step.AgentType)
	assert.Equal(t, "main", step.BaseBranch)
	assert.Contains(t, step.Prompt, "Implement issue i-1: Add schema")
	assert.Contains(t, step.Prompt, "Do Add schema")

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	s, ok := stored.StepByExecution(res.Execution.ID)
	require.True(t, ok)
	assert.Equal(t, "i-1", s.IssueID)
	assert.Equal(t, 0, stored.CurrentStepIndex)

	assert.Equal(t, []workflow.EventType{workflow.EventWorkflowStarted, workflow.EventStepStarted}, f.eventTypes(t, wf.ID))
	assert.False(t, f.waker.Pending(wf.ID), "step_started does not wake the orchestrator")
}

func TestExecuteIssue_Rejections(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.issue(t, "i-other", "Unrelated", 1)
	wf := f.started(t, &workflow.Config{Parallelism: workflow.ParallelismParallel})

	tests := []struct {
		name  string
		req   ExecuteRequest
		check func(error) bool
	}{
		{"missing issue id", ExecuteRequest{WorktreeMode: execution.WorktreeCreateRoot}, workflow.IsValidation},
		{"unknown worktree mode", ExecuteRequest{IssueID: "i-1", WorktreeMode: "sideways"}, workflow.IsValidation},
		{"use_root without id", ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeUseRoot}, workflow.IsValidation},
		{"use_branch without id", ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeUseBranch}, workflow.IsValidation},
		{"unknown issue", ExecuteRequest{IssueID: "i-404", WorktreeMode: execution.WorktreeCreateRoot}, workflow.IsNotFound},
		{"issue outside workflow", ExecuteRequest{IssueID: "i-other", WorktreeMode: execution.WorktreeCreateRoot}, workflow.IsValidation},
		{"dependency not done", ExecuteRequest{IssueID: "i-2", WorktreeMode: execution.WorktreeCreateRoot}, workflow.IsStateConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.ExecuteIssue(ctx, wf.ID, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
		})
	}
	assert.Len(t, f.port.Starts(), 1, "no step execution was started")
}

func TestExecuteIssue_CreateBranchWithoutParent(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)

	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateBranch})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepRunning, res.Step.Status)

	starts := f.port.Starts()
	require.Len(t, starts, 2)
	assert.Equal(t, execution.WorktreeCreateBranch, starts[1].WorktreeMode)
	assert.Empty(t, starts[1].WorktreeID)
	assert.Equal(t, "main", starts[1].BaseBranch)
}

func TestExecuteIssue_StepAlreadyRunning(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, &workflow.Config{Parallelism: workflow.ParallelismParallel})

	_, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)
	_, err = f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.Error(t, err)
	assert.True(t, workflow.IsStateConflict(err))
	assert.Contains(t, err.Error(), "already has an execution")
}

func TestExecuteIssue_RequiresRunningWorkflow(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.chain(t, nil)

	_, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	assert.True(t, workflow.IsStateConflict(err))

	_, err = f.eng.StartWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	_, err = f.eng.PauseWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	_, err = f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	assert.True(t, workflow.IsStateConflict(err))
}

func TestExecuteIssue_ParallelismIsAdvisory(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.issue(t, "i-1", "One", 1)
	f.issue(t, "i-2", "Two", 1)
	wf, err := f.eng.CreateWorkflow(ctx, CreateRequest{
		Source: workflow.Source{Type: workflow.SourceIssues, IssueIDs: []string{"i-1", "i-2"}},
	})
	require.NoError(t, err)
	_, err = f.eng.StartWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	report, err := f.eng.WorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RunningSteps)
	assert.Equal(t, 1, report.ConcurrencyLimit)
	assert.Equal(t, []string{wf.Steps[0].ID, wf.Steps[1].ID}, report.ReadySteps)
	assert.Equal(t, []string{wf.Steps[0].IssueID, wf.Steps[1].IssueID}, report.ReadyIssues)

	for _, id := range []string{"i-1", "i-2"} {
		_, err = f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: id, WorktreeMode: execution.WorktreeCreateRoot})
		require.NoError(t, err, "sequential parallelism does not refuse %s", id)
	}
	assert.Len(t, f.port.Starts(), 3, "orchestrator then both steps")

	report, err = f.eng.WorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RunningSteps)
	assert.Equal(t, 1, report.ConcurrencyLimit)
}

func TestWorkflowStatus_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	for _, id := range []string{"i-1", "i-2", "i-3"} {
		f.issue(t, id, "Task "+id, 1)
	}
	wf, err := f.eng.CreateWorkflow(ctx, CreateRequest{
		Source: workflow.Source{Type: workflow.SourceIssues, IssueIDs: []string{"i-1", "i-2", "i-3"}},
		Config: &workflow.Config{Parallelism: workflow.ParallelismParallel, MaxConcurrency: 2},
	})
	require.NoError(t, err)
	_, err = f.eng.StartWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	for _, id := range []string{"i-1", "i-2", "i-3"} {
		_, err = f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: id, WorktreeMode: execution.WorktreeCreateRoot})
		require.NoError(t, err)
	}

	report, err := f.eng.WorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.RunningSteps)
	assert.Equal(t, 2, report.ConcurrencyLimit)
	assert.Empty(t, report.ReadySteps)
}

func TestExecuteIssue_ForceOverridesDependencies(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)

	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{
		IssueID: "i-2", WorktreeMode: execution.WorktreeCreateRoot, Force: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "i-2", res.Step.IssueID)
	assert.Equal(t, 1, res.Step.Index)
}

func TestExecuteIssue_StartFailureReleasesStep(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	f.port.StartErr = errors.New("no capacity")

	_, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capacity")

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	step, ok := stored.StepByIssue("i-1")
	require.True(t, ok)
	assert.Equal(t, workflow.StepPending, step.Status)
	assert.Empty(t, step.ExecutionID)
	assert.NotContains(t, f.eventTypes(t, wf.ID), workflow.EventStepStarted)
}

func TestExecuteIssue_GoalWorkflowAppendsSteps(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.issue(t, "i-9", "Write docs", 1)

	wf, err := f.eng.CreateWorkflow(ctx, CreateRequest{
		Source: workflow.Source{Type: workflow.SourceGoal, Goal: "Document the API"},
	})
	require.NoError(t, err)
	_, err = f.eng.StartWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-9", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Step.Index)

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "i-9", stored.Steps[0].IssueID)
	assert.Contains(t, f.port.Starts()[1].Prompt, "Document the API")
}

func TestExecuteIssue_RerunAfterFailure(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, &workflow.Config{OnFailure: workflow.OnFailureContinue})

	first, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)
	require.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{
		ExecutionID: first.Execution.ID, Status: execution.StatusFailed, Error: "tests failed",
	}))

	second, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{
		IssueID: "i-1", WorktreeMode: execution.WorktreeUseRoot, WorktreeID: "wt-1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.Execution.ID, second.Execution.ID)
	assert.Equal(t, "wt-1", f.port.Starts()[2].WorktreeID)
}

func TestHandleExecutionUpdate_CompletesStep(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)

	require.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{
		ExecutionID: res.Execution.ID, Status: execution.StatusCompleted, Summary: "schema added",
	}))

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	step, _ := stored.StepByIssue("i-1")
	assert.Equal(t, workflow.StepCompleted, step.Status)

	unprocessed, err := f.waker.GetUnprocessedEvents(ctx, wf.ID)
	require.NoError(t, err)
	var types []workflow.EventType
	for _, evt := range unprocessed {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, workflow.EventStepCompleted)
	assert.True(t, f.waker.Pending(wf.ID), "step outcome arms a wakeup")

	// A repeated terminal update is ignored.
	require.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{
		ExecutionID: res.Execution.ID, Status: execution.StatusFailed,
	}))
	stored, err = f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	step, _ = stored.StepByIssue("i-1")
	assert.Equal(t, workflow.StepCompleted, step.Status)
}

func TestHandleExecutionUpdate_Ignored(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)

	assert.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{ExecutionID: "exec-unknown", Status: execution.StatusCompleted}))
	assert.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{ExecutionID: wf.OrchestratorExecutionID, Status: execution.StatusCompleted}))
	assert.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{ExecutionID: "exec-x", Status: execution.StatusRunning}))

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, stored.Status)
	assert.Equal(t, []workflow.EventType{workflow.EventWorkflowStarted}, f.eventTypes(t, wf.ID))
}

func TestHandleExecutionUpdate_FailurePolicies(t *testing.T) {
	tests := []struct {
		policy workflow.FailurePolicy
		want   workflow.Status
	}{
		{workflow.OnFailurePause, workflow.StatusPaused},
		{workflow.OnFailureFail, workflow.StatusFailed},
		{workflow.OnFailureContinue, workflow.StatusRunning},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, time.Hour)
			ctx := context.Background()
			wf := f.started(t, &workflow.Config{OnFailure: tt.policy})
			res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
			require.NoError(t, err)

			require.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{
				ExecutionID: res.Execution.ID, Status: execution.StatusFailed, Error: "build broke",
			}))

			stored, err := f.eng.GetWorkflow(ctx, wf.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
			step, _ := stored.StepByIssue("i-1")
			assert.Equal(t, workflow.StepFailed, step.Status)
			assert.Contains(t, f.eventTypes(t, wf.ID), workflow.EventStepFailed)
		})
	}
}

func TestExecutionStatusAndCancel(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)

	got, err := f.eng.ExecutionStatus(ctx, wf.ID, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)

	_, err = f.eng.ExecutionStatus(ctx, wf.ID, wf.OrchestratorExecutionID)
	assert.True(t, workflow.IsValidation(err), "orchestrator execution is not a step")

	cancelled, err := f.eng.CancelExecution(ctx, wf.ID, res.Execution.ID, "wrong approach")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, cancelled.Status)

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	step, _ := stored.StepByIssue("i-1")
	assert.Equal(t, workflow.StepFailed, step.Status)

	_, err = f.eng.CancelExecution(ctx, wf.ID, res.Execution.ID, "")
	require.Error(t, err)
	assert.True(t, workflow.IsStateConflict(err), "cancelling a finished execution is a handled error")
}

func TestCancelExecution_NotTreatedAsStepFailure(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	require.Equal(t, workflow.OnFailurePause, wf.Config.OnFailure)

	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)
	_, err = f.eng.CancelExecution(ctx, wf.ID, res.Execution.ID, "wrong approach")
	require.NoError(t, err)

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, stored.Status, "cancel must not pause the workflow")
	step, _ := stored.StepByIssue("i-1")
	assert.Equal(t, workflow.StepFailed, step.Status)

	events, err := f.eng.ListEvents(ctx, wf.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, workflow.EventStepFailed, last.Type)
	payload, err := last.Decode()
	require.NoError(t, err)
	finished := payload.(*workflow.StepFinishedPayload)
	assert.Equal(t, string(execution.StatusCancelled), finished.Status)
	assert.Equal(t, "wrong approach", finished.Error)

	// The runtime's own cancelled update arrives afterwards and changes nothing.
	require.NoError(t, f.eng.HandleExecutionUpdate(ctx, execution.Update{
		ExecutionID: res.Execution.ID, Status: execution.StatusCancelled,
	}))
	stored, err = f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, stored.Status)

	_, err = f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	assert.NoError(t, err, "the orchestrator can run the step again")
}

func TestCancelExecution_RuntimeRefusalKeepsStepRunning(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)

	f.port.CancelErr = errors.New("runtime down")
	_, err = f.eng.CancelExecution(ctx, wf.ID, res.Execution.ID, "")
	require.Error(t, err)

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	step, _ := stored.StepByIssue("i-1")
	assert.Equal(t, workflow.StepRunning, step.Status)
	assert.Equal(t, res.Execution.ID, step.ExecutionID)
	assert.NotContains(t, f.eventTypes(t, wf.ID), workflow.EventStepFailed)
}

func TestRetryStep_SignalsWithoutMutating(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	step, _ := wf.StepByIssue("i-2")

	evt, err := f.eng.RetryStep(ctx, wf.ID, step.ID, "flaky test")
	require.NoError(t, err)
	assert.Equal(t, workflow.EventStepRetryRequested, evt.Type)
	assert.Equal(t, step.ID, evt.StepID)
	payload, err := evt.Decode()
	require.NoError(t, err)
	assert.Equal(t, &workflow.StepControlPayload{Action: workflow.StepActionRetry, IssueID: "i-2", Reason: "flaky test"}, payload)

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	s, _ := stored.Step(step.ID)
	assert.Equal(t, workflow.StepPending, s.Status)
	assert.True(t, f.waker.Pending(wf.ID))

	_, err = f.eng.RetryStep(ctx, wf.ID, "step-missing", "")
	assert.True(t, workflow.IsNotFound(err))
}

func TestSkipStep_UnblocksDependents(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	first, _ := wf.StepByIssue("i-1")

	evt, err := f.eng.SkipStep(ctx, wf.ID, first.ID, "already done upstream")
	require.NoError(t, err)
	assert.Equal(t, workflow.EventStepSkipped, evt.Type)

	ready, err := f.eng.GetReadySteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "i-2", ready[0].IssueID)
}

func TestSkipStep_RunningStepLeftAlone(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	res, err := f.eng.ExecuteIssue(ctx, wf.ID, ExecuteRequest{IssueID: "i-1", WorktreeMode: execution.WorktreeCreateRoot})
	require.NoError(t, err)

	_, err = f.eng.SkipStep(ctx, wf.ID, res.Step.ID, "")
	require.NoError(t, err)

	stored, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	s, _ := stored.Step(res.Step.ID)
	assert.Equal(t, workflow.StepRunning, s.Status)
}

func TestStepSignals_TerminalWorkflowRejected(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	wf := f.started(t, nil)
	step, _ := wf.StepByIssue("i-1")
	_, err := f.eng.CancelWorkflow(ctx, wf.ID, "")
	require.NoError(t, err)

	_, err = f.eng.RetryStep(ctx, wf.ID, step.ID, "")
	assert.True(t, workflow.IsStateConflict(err))
	_, err = f.eng.SkipStep(ctx, wf.ID, step.ID, "")
	assert.True(t, workflow.IsStateConflict(err))
}

func TestReadySteps(t *testing.T) {
	wf := &workflow.Workflow{Steps: []workflow.Step{
		{ID: "s1", IssueID: "a", Index: 0, Status: workflow.StepCompleted},
		{ID: "s2", IssueID: "b", Index: 1, Status: workflow.StepSkipped},
		{ID: "s3", IssueID: "c", Index: 2, Dependencies: []string{"s1", "s2"}, Status: workflow.StepPending},
		{ID: "s4", IssueID: "d", Index: 3, Dependencies: []string{"s3"}, Status: workflow.StepPending},
		{ID: "s5", IssueID: "e", Index: 4, Status: workflow.StepFailed},
		{ID: "s6", IssueID: "f", Index: 5, Dependencies: []string{"s5"}, Status: workflow.StepPending},
	}}

	ready := readySteps(wf)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].IssueID)
}
