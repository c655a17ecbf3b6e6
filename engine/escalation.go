package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/workflow"
)

// EscalationStatus is the outcome of an escalation request.
type EscalationStatus string

const (
	// EscalationAutoApproved means the workflow runs with full autonomy and
	// no human is asked.
	EscalationAutoApproved EscalationStatus = "auto_approved"
	// EscalationPending means a human has been asked and the answer will
	// arrive as an escalation_resolved event.
	EscalationPending EscalationStatus = "pending"
)

// EscalationRequest is a question from the orchestrator to a human.
type EscalationRequest struct {
	Message string
	Options []string
	Context string
}

// EscalationResult is returned by Escalate.
type EscalationResult struct {
	Status       EscalationStatus `json:"status"`
	EscalationID string           `json:"escalation_id,omitempty"`
}

// Escalate asks a human for a decision. Only one escalation may be open per
// workflow; a second request while one is unresolved is rejected.
func (e *Engine) Escalate(ctx context.Context, id string, req EscalationRequest) (res *EscalationResult, err error) {
	ctx, span := e.startSpan(ctx, "escalate", id)
	defer func() { finish(span, "escalate", err) }()

	if strings.TrimSpace(req.Message) == "" {
		return nil, workflow.NewValidationError("message", "message is required")
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return nil, workflow.NewStateConflictError("escalate", wf.Status.String(), "")
	}
	if wf.Config.AutonomyLevel == workflow.AutonomyFull {
		e.logger.Info("Escalation auto-approved", "workflow_id", id)
		return &EscalationResult{Status: EscalationAutoApproved}, nil
	}

	open, err := e.openEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, workflow.NewStateConflictError("escalate", wf.Status.String(),
			"escalation "+open.EscalationID+" is still waiting for a response")
	}

	escalationID := uuid.NewString()
	if _, err := e.appendEvent(ctx, id, workflow.EventEscalationRequested, "", workflow.EscalationRequestedPayload{
		EscalationID: escalationID,
		Message:      req.Message,
		Options:      req.Options,
		Context:      req.Context,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("Escalation requested", "workflow_id", id, "escalation_id", escalationID)
	return &EscalationResult{Status: EscalationPending, EscalationID: escalationID}, nil
}

// PendingEscalation returns the unresolved escalation for a workflow, or nil.
func (e *Engine) PendingEscalation(ctx context.Context, id string) (*workflow.EscalationRequestedPayload, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	return e.openEscalation(ctx, id)
}

func (e *Engine) openEscalation(ctx context.Context, id string) (*workflow.EscalationRequestedPayload, error) {
	events, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	var open []*workflow.EscalationRequestedPayload
	resolved := make(map[string]bool)
	for _, evt := range events {
		switch evt.Type {
		case workflow.EventEscalationRequested, workflow.EventEscalationResolved:
		default:
			continue
		}
		payload, err := evt.Decode()
		if err != nil {
			e.logger.Warn("Skipping undecodable escalation event", "event_id", evt.ID, "error", err)
			continue
		}
		switch p := payload.(type) {
		case *workflow.EscalationRequestedPayload:
			open = append(open, p)
		case *workflow.EscalationResolvedPayload:
			resolved[p.EscalationID] = true
		}
	}
	for i := len(open) - 1; i >= 0; i-- {
		if !resolved[open[i].EscalationID] {
			return open[i], nil
		}
	}
	return nil, nil
}

// ResolveEscalation records a human's answer and wakes the orchestrator
// immediately.
func (e *Engine) ResolveEscalation(ctx context.Context, id, escalationID, response, resolvedBy string) (evt *workflow.Event, err error) {
	ctx, span := e.startSpan(ctx, "resolve_escalation", id)
	defer func() { finish(span, "resolve_escalation", err) }()

	if strings.TrimSpace(response) == "" {
		return nil, workflow.NewValidationError("response", "response is required")
	}

	unlock := e.locks.Lock(id)
	wf, err := e.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if wf.Status.IsTerminal() {
		unlock()
		return nil, workflow.NewStateConflictError("resolve escalation", wf.Status.String(), "")
	}
	open, err := e.openEscalation(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if open == nil || (escalationID != "" && open.EscalationID != escalationID) {
		unlock()
		return nil, workflow.NewNotFoundError("escalation", escalationID)
	}
	evt, err = e.appendEvent(ctx, id, workflow.EventEscalationResolved, "", workflow.EscalationResolvedPayload{
		EscalationID: open.EscalationID,
		Response:     response,
		ResolvedBy:   resolvedBy,
	})
	unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info("Escalation resolved", "workflow_id", id, "escalation_id", open.EscalationID)
	if _, err := e.waker.TriggerWakeup(ctx, id); err != nil {
		e.logger.Warn("Wakeup after escalation response failed", "workflow_id", id, "error", err)
	}
	return evt, nil
}

// Notify records a message for the human watching the workflow. It does
// not wake the orchestrator.
func (e *Engine) Notify(ctx context.Context, id, message string, level workflow.NotificationLevel) (evt *workflow.Event, err error) {
	ctx, span := e.startSpan(ctx, "notify", id)
	defer func() { finish(span, "notify", err) }()

	if strings.TrimSpace(message) == "" {
		return nil, workflow.NewValidationError("message", "message is required")
	}
	if level == "" {
		level = workflow.LevelInfo
	}
	if !level.IsValid() {
		return nil, workflow.NewValidationError("level", "must be info, warning or error, got %q", level)
	}
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}

	evt, err = e.appendEvent(ctx, id, workflow.EventUserNotification, "", workflow.UserNotificationPayload{
		Message: message,
		Level:   level,
	})
	if err != nil {
		return nil, err
	}

	attrs := []any{"workflow_id", id, "message", message}
	switch level {
	case workflow.LevelError:
		e.logger.Error("User notification", attrs...)
	case workflow.LevelWarning:
		e.logger.Warn("User notification", attrs...)
	default:
		e.logger.Info("User notification", attrs...)
	}
	return evt, nil
}
