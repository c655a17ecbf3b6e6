package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/c360studio/semflow/workflow"
)

// UpsertIssue inserts or updates an issue.
func (s *Store) UpsertIssue(ctx context.Context, issue workflow.Issue) error {
	now := s.timestamp()
	status := issue.Status
	if status == "" {
		status = "open"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, title, description, priority, status, spec_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			priority = excluded.priority,
			status = excluded.status,
			spec_id = excluded.spec_id,
			updated_at = excluded.updated_at`,
		issue.ID, issue.Title, issue.Description, issue.Priority, status,
		nullableString(issue.SpecID), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting issue: %w", err)
	}
	return nil
}

// GetIssue loads an issue. Returns ErrNotFound if it does not exist.
func (s *Store) GetIssue(ctx context.Context, id string) (*workflow.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, priority, status, spec_id
		FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading issue: %w", err)
	}
	return issue, nil
}

// ListIssuesBySpec returns the issues attached to a spec, by priority.
func (s *Store) ListIssuesBySpec(ctx context.Context, specID string) ([]workflow.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, priority, status, spec_id
		FROM issues WHERE spec_id = ?
		ORDER BY priority, created_at, id`, specID)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var out []workflow.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning issue: %w", err)
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}

// AddRelationship records an edge between two existing issues.
func (s *Store) AddRelationship(ctx context.Context, rel workflow.Relationship) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_relationships (from_id, to_id, type) VALUES (?, ?, ?)
		ON CONFLICT(from_id, to_id, type) DO NOTHING`,
		rel.FromID, rel.ToID, string(rel.Type),
	)
	if err != nil {
		return fmt.Errorf("adding relationship: %w", err)
	}
	return nil
}

// ListRelationships returns every relationship touching any of ids.
func (s *Store) ListRelationships(ctx context.Context, ids []string) ([]workflow.Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	in := placeholders(len(ids))

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, type FROM issue_relationships
		WHERE from_id IN (`+in+`) OR to_id IN (`+in+`)
		ORDER BY from_id, to_id, type`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}
	defer rows.Close()

	var out []workflow.Relationship
	for rows.Next() {
		var rel workflow.Relationship
		var typ string
		if err := rows.Scan(&rel.FromID, &rel.ToID, &typ); err != nil {
			return nil, fmt.Errorf("scanning relationship: %w", err)
		}
		rel.Type = workflow.RelationType(typ)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func scanIssue(row rowScanner) (*workflow.Issue, error) {
	var issue workflow.Issue
	var specID sql.NullString
	if err := row.Scan(&issue.ID, &issue.Title, &issue.Description, &issue.Priority, &issue.Status, &specID); err != nil {
		return nil, err
	}
	issue.SpecID = specID.String
	return &issue, nil
}
