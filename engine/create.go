package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/c360studio/semflow/graph"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

const maxTitleLength = 80

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Title      string
	Source     workflow.Source
	BaseBranch string
	Config     *workflow.Config
}

// CreateWorkflow resolves the source into issues, orders them into steps
// and persists a pending workflow. Circular dependencies are rejected with
// a CycleError and nothing is written.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateRequest) (wf *workflow.Workflow, err error) {
	ctx, span := e.startSpan(ctx, "create", "")
	defer func() { finish(span, "create", err) }()

	if err := req.Source.Validate(); err != nil {
		return nil, err
	}

	cfg := workflow.DefaultConfig(e.opts.DefaultAgentType).Merge(req.Config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	issues, err := e.resolveSource(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	steps, err := e.planSteps(ctx, issues)
	if err != nil {
		return nil, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = e.opts.BaseBranch
	}
	title := req.Title
	if title == "" {
		title = defaultTitle(req.Source, issues)
	}

	wf = &workflow.Workflow{
		ID:         workflow.NewWorkflowID(),
		Title:      title,
		Source:     req.Source,
		Status:     workflow.StatusPending,
		Steps:      steps,
		BaseBranch: baseBranch,
		Config:     cfg,
		CreatedAt:  e.now(),
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	e.logger.Info("Workflow created",
		"workflow_id", wf.ID,
		"source", req.Source.Type,
		"steps", len(steps))
	return wf, nil
}

// resolveSource turns a source into the ordered list of issues it covers.
func (e *Engine) resolveSource(ctx context.Context, src workflow.Source) ([]workflow.Issue, error) {
	switch src.Type {
	case workflow.SourceIssues:
		var out []workflow.Issue
		seen := make(map[string]struct{}, len(src.IssueIDs))
		for _, id := range src.IssueIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			issue, err := e.getIssue(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, *issue)
		}
		return out, nil

	case workflow.SourceRootTask:
		return e.collectBlocked(ctx, src.IssueID)

	case workflow.SourceSpec:
		issues, err := e.issues.ListIssuesBySpec(ctx, src.SpecID)
		if err != nil {
			return nil, fmt.Errorf("list issues for spec %s: %w", src.SpecID, err)
		}
		if len(issues) == 0 {
			return nil, workflow.NewValidationError("source.spec_id", "spec %s has no issues", src.SpecID)
		}
		return issues, nil

	case workflow.SourceGoal:
		return nil, nil
	}
	return nil, workflow.NewValidationError("source.type", "unknown source type %q", src.Type)
}

// collectBlocked returns the root issue and every issue transitively
// blocked by it, breadth first.
func (e *Engine) collectBlocked(ctx context.Context, rootID string) ([]workflow.Issue, error) {
	root, err := e.getIssue(ctx, rootID)
	if err != nil {
		return nil, err
	}

	out := []workflow.Issue{*root}
	seen := map[string]struct{}{root.ID: {}}
	frontier := []string{root.ID}

	for len(frontier) > 0 {
		rels, err := e.issues.ListRelationships(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("list relationships: %w", err)
		}

		var next []string
		for _, rel := range rels {
			var dependent string
			switch {
			case rel.Type == workflow.RelationBlocks && slices.Contains(frontier, rel.FromID):
				dependent = rel.ToID
			case rel.Type == workflow.RelationDependsOn && slices.Contains(frontier, rel.ToID):
				dependent = rel.FromID
			default:
				continue
			}
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}

			issue, err := e.getIssue(ctx, dependent)
			if err != nil {
				return nil, err
			}
			out = append(out, *issue)
			next = append(next, dependent)
		}
		frontier = next
	}
	return out, nil
}

// planSteps orders issues topologically and turns them into steps whose
// dependencies reference step ids.
func (e *Engine) planSteps(ctx context.Context, issues []workflow.Issue) ([]workflow.Step, error) {
	if len(issues) == 0 {
		return []workflow.Step{}, nil
	}

	ids := make([]string, len(issues))
	for i, issue := range issues {
		ids[i] = issue.ID
	}
	rels, err := e.issues.ListRelationships(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}

	byFrom := make(map[string][]graph.Relation)
	for _, rel := range rels {
		byFrom[rel.FromID] = append(byFrom[rel.FromID], graph.Relation{Type: rel.Type, TargetID: rel.ToID})
	}
	tasks := make([]graph.Task, len(issues))
	for i, issue := range issues {
		tasks[i] = graph.Task{
			ID:        issue.ID,
			Title:     issue.Title,
			Priority:  issue.Priority,
			Relations: byFrom[issue.ID],
		}
	}

	analysis := graph.AnalyzeDependencies(tasks)
	if analysis.HasCycles {
		return nil, &workflow.CycleError{Cycles: analysis.Cycles}
	}

	g := graph.BuildGraph(tasks)
	stepIDs := make(map[string]string, len(issues))
	position := make(map[string]int, len(issues))
	for i, issueID := range analysis.TopologicalOrder {
		stepIDs[issueID] = workflow.NewStepID()
		position[issueID] = i
	}

	steps := make([]workflow.Step, 0, len(issues))
	for i, issueID := range analysis.TopologicalOrder {
		depIssues := g.Dependencies(issueID)
		slices.SortFunc(depIssues, func(a, b string) int { return position[a] - position[b] })
		deps := make([]string, len(depIssues))
		for j, dep := range depIssues {
			deps[j] = stepIDs[dep]
		}
		steps = append(steps, workflow.Step{
			ID:           stepIDs[issueID],
			IssueID:      issueID,
			Index:        i,
			Dependencies: deps,
			Status:       workflow.StepPending,
		})
	}
	return steps, nil
}

func (e *Engine) getIssue(ctx context.Context, id string) (*workflow.Issue, error) {
	issue, err := e.issues.GetIssue(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflow.NewNotFoundError("issue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	return issue, nil
}

// issueTitles maps the workflow's issue ids to titles. Lookup failures are
// skipped.
func (e *Engine) issueTitles(ctx context.Context, wf *workflow.Workflow) map[string]*workflow.Issue {
	out := make(map[string]*workflow.Issue, len(wf.Steps))
	for _, step := range wf.Steps {
		issue, err := e.issues.GetIssue(ctx, step.IssueID)
		if err != nil {
			e.logger.Debug("Issue lookup failed", "issue_id", step.IssueID, "error", err)
			continue
		}
		out[step.IssueID] = issue
	}
	return out
}

func defaultTitle(src workflow.Source, issues []workflow.Issue) string {
	var title string
	switch src.Type {
	case workflow.SourceGoal:
		title = src.Goal
	case workflow.SourceSpec:
		title = "Spec " + src.SpecID
	default:
		if len(issues) == 0 {
			return "Workflow"
		}
		title = issues[0].Title
		if len(issues) > 1 && src.Type == workflow.SourceIssues {
			title = fmt.Sprintf("%s (+%d more)", title, len(issues)-1)
		}
	}
	return truncate(title, maxTitleLength)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
