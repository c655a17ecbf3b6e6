package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/c360studio/semflow/workflow"
)

const eventColumns = `id, workflow_id, type, step_id, payload, created_at, processed_at`

// AppendEvent adds an event to a workflow's log. Registered hooks run after
// the insert commits.
func (s *Store) AppendEvent(ctx context.Context, evt *workflow.Event) error {
	payload := string(evt.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.WorkflowID, string(evt.Type), nullableString(evt.StepID), payload,
		evt.CreatedAt.UTC(), nullableTime(evt.ProcessedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", evt.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	for _, hook := range s.hooks {
		hook(ctx, *evt)
	}
	return nil
}

// ListEvents returns every event for a workflow in the order recorded.
func (s *Store) ListEvents(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM workflow_events
		WHERE workflow_id = ? ORDER BY seq`, workflowID)
}

// UnprocessedEvents returns events not yet delivered, in the order recorded.
func (s *Store) UnprocessedEvents(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM workflow_events
		WHERE workflow_id = ? AND processed_at IS NULL ORDER BY seq`, workflowID)
}

// MarkEventsProcessed stamps processed_at on the given events. Events that
// were already processed keep their original timestamp.
func (s *Store) MarkEventsProcessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE workflow_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`)
	if err != nil {
		return fmt.Errorf("preparing update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, at.UTC(), id); err != nil {
			return fmt.Errorf("marking event %s processed: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]workflow.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []workflow.Event{}
	for rows.Next() {
		var (
			evt         workflow.Event
			typ         string
			stepID      sql.NullString
			payload     string
			processedAt sql.NullTime
		)
		if err := rows.Scan(&evt.ID, &evt.WorkflowID, &typ, &stepID, &payload, &evt.CreatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Type = workflow.EventType(typ)
		evt.StepID = stepID.String
		evt.Payload = []byte(payload)
		evt.ProcessedAt = timePtr(processedAt)
		events = append(events, evt)
	}
	return events, rows.Err()
}
