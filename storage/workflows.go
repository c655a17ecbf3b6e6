package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/semflow/workflow"
)

const workflowColumns = `id, title, source, status, steps, base_branch, current_step_index,
	config, orchestrator_execution_id, orchestrator_session_id,
	created_at, started_at, completed_at`

// CreateWorkflow inserts a new workflow row.
func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	source, steps, config, err := marshalWorkflowJSON(wf)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Title, source, string(wf.Status), steps, wf.BaseBranch, wf.CurrentStepIndex,
		config, nullableString(wf.OrchestratorExecutionID), nullableString(wf.OrchestratorSessionID),
		wf.CreatedAt.UTC(), nullableTime(wf.StartedAt), nullableTime(wf.CompletedAt),
		s.timestamp(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow writes the mutable workflow fields. Orchestrator ids are
// owned by SetOrchestrator and are not touched here.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	source, steps, config, err := marshalWorkflowJSON(wf)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			title = ?, source = ?, status = ?, steps = ?, base_branch = ?,
			current_step_index = ?, config = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		wf.Title, source, string(wf.Status), steps, wf.BaseBranch,
		wf.CurrentStepIndex, config, nullableTime(wf.StartedAt), nullableTime(wf.CompletedAt),
		s.timestamp(), wf.ID,
	)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}
	return expectOneRow(res, "workflow", wf.ID)
}

// SetOrchestrator records the orchestrator execution and session for a
// workflow. An empty sessionID leaves the stored session unchanged.
func (s *Store) SetOrchestrator(ctx context.Context, workflowID, executionID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			orchestrator_execution_id = ?,
			orchestrator_session_id = COALESCE(?, orchestrator_session_id),
			updated_at = ?
		WHERE id = ?`,
		nullableString(executionID), nullableString(sessionID), s.timestamp(), workflowID,
	)
	if err != nil {
		return fmt.Errorf("updating orchestrator: %w", err)
	}
	return expectOneRow(res, "workflow", workflowID)
}

// GetWorkflow loads a workflow. Returns ErrNotFound if it does not exist.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return wf, nil
}

// FindWorkflowByExecution returns the workflow whose orchestrator or one of
// whose steps is linked to executionID.
func (s *Store) FindWorkflowByExecution(ctx context.Context, executionID string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows w
		WHERE w.orchestrator_execution_id = ?
		   OR EXISTS (
				SELECT 1 FROM json_each(w.steps) AS step
				WHERE json_extract(step.value, '$.execution_id') = ?
		   )
		ORDER BY w.created_at DESC
		LIMIT 1`, executionID, executionID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding workflow by execution: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first. Pass an empty status to list all.
func (s *Store) ListWorkflows(ctx context.Context, status workflow.Status) ([]*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var (
		wf                      workflow.Workflow
		status                  string
		source, steps, config   string
		orchExecID, orchSession sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	err := row.Scan(
		&wf.ID, &wf.Title, &source, &status, &steps, &wf.BaseBranch, &wf.CurrentStepIndex,
		&config, &orchExecID, &orchSession,
		&wf.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	wf.Status = workflow.Status(status)
	wf.OrchestratorExecutionID = orchExecID.String
	wf.OrchestratorSessionID = orchSession.String
	wf.StartedAt = timePtr(startedAt)
	wf.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(source), &wf.Source); err != nil {
		return nil, fmt.Errorf("parsing source: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("parsing steps: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &wf.Config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if wf.Steps == nil {
		wf.Steps = []workflow.Step{}
	}
	return &wf, nil
}

func marshalWorkflowJSON(wf *workflow.Workflow) (source, steps, config string, err error) {
	srcJSON, err := json.Marshal(wf.Source)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling source: %w", err)
	}
	stepList := wf.Steps
	if stepList == nil {
		stepList = []workflow.Step{}
	}
	stepsJSON, err := json.Marshal(stepList)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling steps: %w", err)
	}
	cfgJSON, err := json.Marshal(wf.Config)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(srcJSON), string(stepsJSON), string(cfgJSON), nil
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
