package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt, err := NewEvent("wf-1", EventStepCompleted, "step-1", StepFinishedPayload{
		IssueID:     "i-1",
		ExecutionID: "ex-1",
		Status:      "completed",
		Summary:     "done",
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, now, evt.CreatedAt)
	assert.False(t, evt.IsProcessed())

	p, err := evt.Decode()
	require.NoError(t, err)
	finished, ok := p.(*StepFinishedPayload)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, "ex-1", finished.ExecutionID)
	assert.Equal(t, "done", finished.Summary)
}

func TestNewEvent_AcceptsPointerPayload(t *testing.T) {
	_, err := NewEvent("wf-1", EventWorkflowPaused, "", &WorkflowTransitionPayload{From: StatusRunning, To: StatusPaused}, time.Now())
	assert.NoError(t, err)
}

func TestNewEvent_RejectsMismatchedPayload(t *testing.T) {
	_, err := NewEvent("wf-1", EventStepCompleted, "", StepControlPayload{Action: StepActionRetry}, time.Now())
	assert.Error(t, err)

	_, err = NewEvent("wf-1", EventType("step_exploded"), "", StepControlPayload{}, time.Now())
	assert.Error(t, err)

	_, err = NewEvent("wf-1", EventUserNotification, "", nil, time.Now())
	assert.Error(t, err)
}

func TestEvent_DecodeEveryType(t *testing.T) {
	types := []EventType{
		EventWorkflowStarted, EventWorkflowPaused, EventWorkflowResumed,
		EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventStepStarted, EventStepCompleted, EventStepFailed,
		EventStepSkipped, EventStepRetryRequested,
		EventEscalationRequested, EventEscalationResolved, EventUserNotification,
	}
	for _, typ := range types {
		assert.True(t, typ.IsValid(), typ)
		p, err := Event{Type: typ, Payload: []byte(`{}`)}.Decode()
		require.NoError(t, err, typ)
		assert.NotNil(t, p, typ)
	}
}

func TestEvent_DecodeBadPayload(t *testing.T) {
	_, err := Event{Type: EventUserNotification, Payload: []byte(`{"message": 7}`)}.Decode()
	assert.Error(t, err)
}
