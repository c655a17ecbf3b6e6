package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an entry in a workflow's event log.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"

	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepSkipped        EventType = "step_skipped"
	EventStepRetryRequested EventType = "step_retry_requested"

	EventEscalationRequested EventType = "escalation_requested"
	EventEscalationResolved  EventType = "escalation_resolved"

	EventUserNotification EventType = "user_notification"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsValid returns true if the event type is known.
func (t EventType) IsValid() bool {
	_, err := newPayload(t)
	return err == nil
}

// Event is an append-only record of something that happened to a workflow.
// ProcessedAt is set once the event has been delivered to the orchestrator.
type Event struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Type        EventType       `json:"type"`
	StepID      string          `json:"step_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Payload is implemented by every event payload type.
type Payload interface {
	eventPayload()
}

// StepStartedPayload is recorded when a step execution is launched.
type StepStartedPayload struct {
	IssueID      string `json:"issue_id"`
	ExecutionID  string `json:"execution_id"`
	AgentType    string `json:"agent_type"`
	WorktreeMode string `json:"worktree_mode"`
}

// StepFinishedPayload is recorded for step_completed and step_failed.
type StepFinishedPayload struct {
	IssueID     string `json:"issue_id"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StepAction is a human request against a step.
type StepAction string

const (
	StepActionRetry StepAction = "retry"
	StepActionSkip  StepAction = "skip"
)

// StepControlPayload is recorded for step_retry_requested and step_skipped.
type StepControlPayload struct {
	Action  StepAction `json:"action"`
	IssueID string     `json:"issue_id"`
	Reason  string     `json:"reason,omitempty"`
}

// WorkflowStartedPayload is recorded when a workflow starts running.
type WorkflowStartedPayload struct {
	StepCount int    `json:"step_count"`
	Goal      string `json:"goal,omitempty"`
}

// WorkflowTransitionPayload is recorded for pause, resume and cancel.
type WorkflowTransitionPayload struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// WorkflowFinishedPayload is recorded for workflow_completed and workflow_failed.
type WorkflowFinishedPayload struct {
	Status  Status `json:"status"`
	Summary string `json:"summary"`
}

// EscalationRequestedPayload is recorded when the orchestrator asks a human.
type EscalationRequestedPayload struct {
	EscalationID string   `json:"escalation_id"`
	Message      string   `json:"message"`
	Options      []string `json:"options,omitempty"`
	Context      string   `json:"context,omitempty"`
}

// EscalationResolvedPayload is recorded when a human answers an escalation.
type EscalationResolvedPayload struct {
	EscalationID string `json:"escalation_id"`
	Response     string `json:"response"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
}

// NotificationLevel is the severity of a user notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// IsValid returns true if the level is known.
func (l NotificationLevel) IsValid() bool {
	return l == LevelInfo || l == LevelWarning || l == LevelError
}

// UserNotificationPayload is recorded when the orchestrator notifies a human.
type UserNotificationPayload struct {
	Message string            `json:"message"`
	Level   NotificationLevel `json:"level"`
}

func (StepStartedPayload) eventPayload()         {}
func (StepFinishedPayload) eventPayload()        {}
func (StepControlPayload) eventPayload()         {}
func (WorkflowStartedPayload) eventPayload()     {}
func (WorkflowTransitionPayload) eventPayload()  {}
func (WorkflowFinishedPayload) eventPayload()    {}
func (EscalationRequestedPayload) eventPayload() {}
func (EscalationResolvedPayload) eventPayload()  {}
func (UserNotificationPayload) eventPayload()    {}

// newPayload returns a pointer to the zero payload for t.
func newPayload(t EventType) (Payload, error) {
	switch t {
	case EventWorkflowStarted:
		return &WorkflowStartedPayload{}, nil
	case EventWorkflowPaused, EventWorkflowResumed, EventWorkflowCancelled:
		return &WorkflowTransitionPayload{}, nil
	case EventWorkflowCompleted, EventWorkflowFailed:
		return &WorkflowFinishedPayload{}, nil
	case EventStepStarted:
		return &StepStartedPayload{}, nil
	case EventStepCompleted, EventStepFailed:
		return &StepFinishedPayload{}, nil
	case EventStepSkipped, EventStepRetryRequested:
		return &StepControlPayload{}, nil
	case EventEscalationRequested:
		return &EscalationRequestedPayload{}, nil
	case EventEscalationResolved:
		return &EscalationResolvedPayload{}, nil
	case EventUserNotification:
		return &UserNotificationPayload{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

// NewEvent builds an event with a fresh id after checking that payload has
// the shape expected for t.
func NewEvent(workflowID string, t EventType, stepID string, payload Payload, now time.Time) (*Event, error) {
	want, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("event %s: payload is required", t)
	}
	got := reflect.TypeOf(payload)
	if got.Kind() == reflect.Pointer {
		got = got.Elem()
	}
	if got != reflect.TypeOf(want).Elem() {
		return nil, fmt.Errorf("event %s: payload %T does not match %T", t, payload, want)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       t,
		StepID:     stepID,
		Payload:    data,
		CreatedAt:  now,
	}, nil
}

// Decode unmarshals the payload into the typed struct for the event type.
// The returned value is a pointer, e.g. *StepFinishedPayload.
func (e Event) Decode() (Payload, error) {
	p, err := newPayload(e.Type)
	if err != nil {
		return nil, err
	}
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// IsProcessed returns true once the event has been delivered.
func (e Event) IsProcessed() bool {
	return e.ProcessedAt != nil
}
