package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/workflow"
)

// withApp runs fn against a started App and shuts it down afterwards so
// that wakeups armed by fn are delivered before the process exits.
func withApp(cmd *cobra.Command, flags *globalFlags, mode connectMode, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	app, err := startApp(ctx, flags, mode)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func workflowCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create, inspect and control workflows",
	}

	cmd.AddCommand(
		workflowCreateCmd(flags),
		workflowListCmd(flags),
		workflowShowCmd(flags),
		workflowEventsCmd(flags),
		workflowTransitionCmd(flags, "start", "Start a pending workflow and spawn its orchestrator",
			func(ctx context.Context, eng *engine.Engine, id, _ string) (*workflow.Workflow, error) {
				return eng.StartWorkflow(ctx, id)
			}),
		workflowTransitionCmd(flags, "pause", "Pause a running workflow",
			func(ctx context.Context, eng *engine.Engine, id, _ string) (*workflow.Workflow, error) {
				return eng.PauseWorkflow(ctx, id)
			}),
		workflowTransitionCmd(flags, "resume", "Resume a paused workflow",
			func(ctx context.Context, eng *engine.Engine, id, _ string) (*workflow.Workflow, error) {
				return eng.ResumeWorkflow(ctx, id)
			}),
		workflowTransitionCmd(flags, "cancel", "Cancel a workflow and stop its executions",
			func(ctx context.Context, eng *engine.Engine, id, reason string) (*workflow.Workflow, error) {
				return eng.CancelWorkflow(ctx, id, reason)
			}),
		workflowStepCmd(flags, "retry", "Ask the orchestrator to run a step again",
			func(ctx context.Context, eng *engine.Engine, id, stepID, reason string) (*workflow.Event, error) {
				return eng.RetryStep(ctx, id, stepID, reason)
			}),
		workflowStepCmd(flags, "skip", "Skip a step and tell the orchestrator",
			func(ctx context.Context, eng *engine.Engine, id, stepID, reason string) (*workflow.Event, error) {
				return eng.SkipStep(ctx, id, stepID, reason)
			}),
		workflowRespondCmd(flags),
	)
	return cmd
}

func workflowCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		issues         []string
		root           string
		spec           string
		goal           string
		title          string
		baseBranch     string
		parallelism    string
		maxConcurrency int
		onFailure      string
		agentType      string
		autonomy       string
		model          string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from issues, a root task, a spec or a goal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := sourceFromFlags(issues, root, spec, goal)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, modeOffline, func(ctx context.Context, app *App) error {
				cfg := app.workflowConfig().Merge(&workflow.Config{
					Parallelism:       workflow.Parallelism(parallelism),
					MaxConcurrency:    maxConcurrency,
					OnFailure:         workflow.FailurePolicy(onFailure),
					DefaultAgentType:  agentType,
					AutonomyLevel:     workflow.AutonomyLevel(autonomy),
					OrchestratorModel: model,
				})
				wf, err := app.engine.CreateWorkflow(ctx, engine.CreateRequest{
					Title:      title,
					Source:     src,
					BaseBranch: baseBranch,
					Config:     &cfg,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), wf)
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&issues, "issues", nil, "Issue ids to include")
	f.StringVar(&root, "root", "", "Root issue; includes every issue it transitively blocks")
	f.StringVar(&spec, "spec", "", "Spec id; includes every issue implementing it")
	f.StringVar(&goal, "goal", "", "Free-form goal; the orchestrator plans the steps")
	f.StringVar(&title, "title", "", "Workflow title")
	f.StringVar(&baseBranch, "base-branch", "", "Branch executions start from")
	f.StringVar(&parallelism, "parallelism", "", "sequential or parallel")
	f.IntVar(&maxConcurrency, "max-concurrency", 0, "Maximum running steps when parallel")
	f.StringVar(&onFailure, "on-failure", "", "pause, continue or fail")
	f.StringVar(&agentType, "agent", "", "Default agent for steps")
	f.StringVar(&autonomy, "autonomy", "", "full_auto or human_in_loop")
	f.StringVar(&model, "model", "", "Orchestrator model")
	cmd.MarkFlagsMutuallyExclusive("issues", "root", "spec", "goal")
	cmd.MarkFlagsOneRequired("issues", "root", "spec", "goal")
	return cmd
}

func sourceFromFlags(issues []string, root, spec, goal string) (workflow.Source, error) {
	var src workflow.Source
	switch {
	case len(issues) > 0:
		src = workflow.Source{Type: workflow.SourceIssues, IssueIDs: issues}
	case root != "":
		src = workflow.Source{Type: workflow.SourceRootTask, IssueID: root}
	case spec != "":
		src = workflow.Source{Type: workflow.SourceSpec, SpecID: spec}
	case goal != "":
		src = workflow.Source{Type: workflow.SourceGoal, Goal: goal}
	}
	return src, src.Validate()
}

func workflowListCmd(flags *globalFlags) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeOffline, func(ctx context.Context, app *App) error {
				wfs, err := app.engine.ListWorkflows(ctx, workflow.Status(status))
				if err != nil {
					return err
				}
				return printWorkflowTable(cmd.OutOrStdout(), wfs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only workflows with this status")
	return cmd
}

func printWorkflowTable(out io.Writer, wfs []*workflow.Workflow) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tDONE\tTITLE")
	for _, wf := range wfs {
		done := len(wf.StepsWithStatus(workflow.StepCompleted)) + len(wf.StepsWithStatus(workflow.StepSkipped))
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", wf.ID, wf.Status, len(wf.Steps), done, wf.Title)
	}
	return w.Flush()
}

func workflowShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show WORKFLOW_ID",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeOffline, func(ctx context.Context, app *App) error {
				wf, err := app.engine.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				if wf == nil {
					return workflow.NewNotFoundError("workflow", args[0])
				}
				return printJSON(cmd.OutOrStdout(), wf)
			})
		},
	}
}

func workflowEventsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events WORKFLOW_ID",
		Short: "Show the event log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeOffline, func(ctx context.Context, app *App) error {
				events, err := app.engine.ListEvents(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTYPE\tSTEP\tDELIVERED\tPAYLOAD")
				for _, evt := range events {
					delivered := "-"
					if evt.ProcessedAt != nil {
						delivered = evt.ProcessedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						evt.CreatedAt.Format(time.RFC3339), evt.Type, evt.StepID, delivered, evt.Payload)
				}
				return w.Flush()
			})
		},
	}
}

type transitionFunc func(ctx context.Context, eng *engine.Engine, id, reason string) (*workflow.Workflow, error)

func workflowTransitionCmd(flags *globalFlags, use, short string, fn transitionFunc) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   use + " WORKFLOW_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeClient, func(ctx context.Context, app *App) error {
				wf, err := fn(ctx, app.engine, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", wf.ID, wf.Status)
				return nil
			})
		},
	}
	if use == "cancel" {
		cmd.Flags().StringVar(&reason, "reason", "", "Why the workflow is cancelled")
	}
	return cmd
}

type stepFunc func(ctx context.Context, eng *engine.Engine, id, stepID, reason string) (*workflow.Event, error)

func workflowStepCmd(flags *globalFlags, use, short string, fn stepFunc) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   use + " WORKFLOW_ID STEP_ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeClient, func(ctx context.Context, app *App) error {
				evt, err := fn(ctx, app.engine, args[0], args[1], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for step %s\n", evt.Type, evt.StepID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Note for the orchestrator")
	return cmd
}

func workflowRespondCmd(flags *globalFlags) *cobra.Command {
	var (
		escalationID string
		resolvedBy   string
	)

	cmd := &cobra.Command{
		Use:   "respond WORKFLOW_ID RESPONSE",
		Short: "Answer the open escalation and wake the orchestrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeClient, func(ctx context.Context, app *App) error {
				if _, err := app.engine.ResolveEscalation(ctx, args[0], escalationID, args[1], resolvedBy); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Response delivered")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&escalationID, "escalation", "", "Escalation to answer (default: the open one)")
	cmd.Flags().StringVar(&resolvedBy, "by", "", "Who answered")
	return cmd
}

func issueCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Maintain the local issue index workflows are planned from",
	}

	var (
		title       string
		description string
		priority    int
		specID      string
	)
	add := &cobra.Command{
		Use:   "add ISSUE_ID",
		Short: "Add or update an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeOffline, func(ctx context.Context, app *App) error {
				return app.store.UpsertIssue(ctx, workflow.Issue{
					ID:          args[0],
					Title:       title,
					Description: description,
					Priority:    priority,
					SpecID:      specID,
				})
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "Issue title")
	add.Flags().StringVar(&description, "description", "", "Issue description")
	add.Flags().IntVar(&priority, "priority", 0, "Priority; lower runs first among ready issues")
	add.Flags().StringVar(&specID, "spec", "", "Spec the issue implements")
	_ = add.MarkFlagRequired("title")

	block := &cobra.Command{
		Use:   "block BLOCKER_ID BLOCKED_ID",
		Short: "Record that one issue must finish before another starts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, modeOffline, func(ctx context.Context, app *App) error {
				return app.store.AddRelationship(ctx, workflow.Relationship{
					FromID: args[0],
					ToID:   args[1],
					Type:   workflow.RelationBlocks,
				})
			})
		},
	}

	cmd.AddCommand(add, block)
	return cmd
}
