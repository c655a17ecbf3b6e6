package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[Status][]Status{
		StatusPending: {StatusRunning, StatusCancelled},
		StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
		StatusPaused:  {StatusRunning, StatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, Status("bogus").IsValid())
}

func TestSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		source  Source
		wantErr bool
	}{
		{"issues", Source{Type: SourceIssues, IssueIDs: []string{"i-1"}}, false},
		{"issues empty", Source{Type: SourceIssues}, true},
		{"issues blank id", Source{Type: SourceIssues, IssueIDs: []string{"i-1", ""}}, true},
		{"root task", Source{Type: SourceRootTask, IssueID: "i-1"}, false},
		{"root task missing", Source{Type: SourceRootTask}, true},
		{"spec", Source{Type: SourceSpec, SpecID: "s-1"}, false},
		{"goal", Source{Type: SourceGoal, Goal: "ship it"}, false},
		{"goal missing", Source{Type: SourceGoal}, true},
		{"no type", Source{}, true},
		{"unknown type", Source{Type: "jira"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.source.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_MergeAndValidate(t *testing.T) {
	cfg := DefaultConfig("claude-code")
	require.NoError(t, cfg.Validate())

	merged := cfg.Merge(&Config{AutonomyLevel: AutonomyFull, MaxConcurrency: 3})
	assert.Equal(t, AutonomyFull, merged.AutonomyLevel)
	assert.Equal(t, 3, merged.MaxConcurrency)
	assert.Equal(t, OnFailurePause, merged.OnFailure)
	assert.Equal(t, "claude-code", merged.DefaultAgentType)

	assert.Equal(t, cfg, cfg.Merge(nil))

	bad := cfg.Merge(&Config{OnFailure: "explode"})
	assert.True(t, IsValidation(bad.Validate()))
}

func TestWorkflow_StepLookup(t *testing.T) {
	wf := &Workflow{Steps: []Step{
		{ID: "s1", IssueID: "i-1", ExecutionID: "ex-1", Status: StepRunning},
		{ID: "s2", IssueID: "i-2", Status: StepPending},
	}}

	s, ok := wf.StepByIssue("i-2")
	require.True(t, ok)
	assert.Equal(t, "s2", s.ID)

	s, ok = wf.StepByExecution("ex-1")
	require.True(t, ok)
	assert.Equal(t, "s1", s.ID)

	_, ok = wf.StepByExecution("")
	assert.False(t, ok)

	s, _ = wf.Step("s1")
	s.Status = StepCompleted
	assert.Equal(t, StepCompleted, wf.Steps[0].Status, "Step returns a pointer into the slice")

	assert.Len(t, wf.StepsWithStatus(StepPending), 1)
}

func TestErrors_Messages(t *testing.T) {
	err := NewStateConflictError("start workflow", "running", "")
	assert.Equal(t, "cannot start workflow: status is running", err.Error())
	assert.True(t, IsStateConflict(err))

	err = NewNotFoundError("workflow", "wf-1")
	assert.Equal(t, "workflow not found: wf-1", err.Error())
	assert.True(t, IsNotFound(err))

	cycle := &CycleError{Cycles: [][]string{{"a", "b"}}}
	assert.Equal(t, "circular dependencies detected: a -> b -> a", cycle.Error())
	assert.Equal(t, []string{"a", "b"}, cycle.Cycles[0])
	assert.True(t, IsCycle(cycle))
}
