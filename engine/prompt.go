package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/semflow/workflow"
)

// mcpConfig is the tool-server configuration format agent runtimes accept.
type mcpConfig struct {
	MCPServers map[string]mcpServer `json:"mcpServers"`
}

type mcpServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// toolServerConfig renders the MCP configuration that launches the tool
// server scoped to one workflow.
func toolServerConfig(ts ToolServer, workflowID string) (json.RawMessage, error) {
	args := make([]string, 0, len(ts.Args)+3)
	args = append(args, ts.Args...)
	args = append(args, "mcp", "--workflow", workflowID)

	env := ts.Env
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(mcpConfig{MCPServers: map[string]mcpServer{
		ts.Name: {Command: ts.Command, Args: args, Env: env},
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal tool server config: %w", err)
	}
	return data, nil
}

// orchestratorPrompt is the first message of the orchestrator session.
func orchestratorPrompt(wf *workflow.Workflow, issues map[string]*workflow.Issue, ready []workflow.Step) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Workflow: %s\n\n", wf.Title)
	fmt.Fprintf(&sb, "Workflow ID: %s\nBase branch: %s\n", wf.ID, wf.BaseBranch)
	fmt.Fprintf(&sb, "Parallelism: %s\n", wf.Config.Parallelism)
	if wf.Config.Parallelism == workflow.ParallelismParallel && wf.Config.MaxConcurrency > 0 {
		fmt.Fprintf(&sb, "Max concurrent executions: %d\n", wf.Config.MaxConcurrency)
	}

	if wf.Source.Goal != "" {
		fmt.Fprintf(&sb, "\n## Goal\n\n%s\n", wf.Source.Goal)
	}

	if len(wf.Steps) == 0 {
		sb.WriteString("\n## Tasks\n\nNo tasks were planned. Break the goal into issues and run them with execute_issue.\n")
	} else {
		byStep := make(map[string]string, len(wf.Steps))
		for _, s := range wf.Steps {
			byStep[s.ID] = s.IssueID
		}
		sb.WriteString("\n## Tasks (dependency order)\n\n")
		for _, s := range wf.Steps {
			title := ""
			if issue, ok := issues[s.IssueID]; ok {
				title = issue.Title
			}
			fmt.Fprintf(&sb, "%d. %s", s.Index+1, s.IssueID)
			if title != "" {
				fmt.Fprintf(&sb, ": %s", title)
			}
			if len(s.Dependencies) > 0 {
				deps := make([]string, len(s.Dependencies))
				for i, d := range s.Dependencies {
					deps[i] = byStep[d]
				}
				fmt.Fprintf(&sb, " (after %s)", strings.Join(deps, ", "))
			}
			sb.WriteString("\n")
		}
	}

	if len(ready) > 0 {
		ids := make([]string, len(ready))
		for i, s := range ready {
			ids[i] = s.IssueID
		}
		fmt.Fprintf(&sb, "\nReady to start now: %s\n", strings.Join(ids, ", "))
	}
	sb.WriteString("\nStart by calling workflow_status, then execute the ready issues.\n")
	return sb.String()
}

// orchestratorDirective is appended to the orchestrator's system prompt.
func orchestratorDirective(wf *workflow.Workflow) string {
	var sb strings.Builder
	sb.WriteString("You are the orchestrator for a workflow of coding tasks. ")
	sb.WriteString("You do not edit code yourself; you run each issue as a separate execution and judge the results.\n\n")
	sb.WriteString("Tools:\n")
	sb.WriteString("- workflow_status: steps, active executions, ready steps and issues\n")
	sb.WriteString("- execute_issue: start an execution for an issue\n")
	sb.WriteString("- execution_status / execution_cancel: inspect or stop an execution\n")
	sb.WriteString("- execution_trajectory: tool calls, messages and errors of an execution\n")
	sb.WriteString("- execution_changes: files an execution changed\n")
	sb.WriteString("- escalate_to_user: ask a human to decide\n")
	sb.WriteString("- notify_user: tell the human something without waiting\n")
	sb.WriteString("- workflow_complete: finish the workflow\n\n")
	sb.WriteString("Executions finish asynchronously. When they do you will receive a workflow update message; ")
	sb.WriteString("do not poll in a loop. Only start an issue once the issues it depends on have completed, ")
	sb.WriteString("unless a human asked you to retry or skip.\n")
	if limit := concurrencyLimit(wf.Config); limit == 1 {
		sb.WriteString("Run one execution at a time. workflow_status reports running_steps and concurrency_limit.\n")
	} else if limit > 1 {
		fmt.Fprintf(&sb, "Keep at most %d executions running. workflow_status reports running_steps and concurrency_limit.\n", limit)
	}
	if wf.Config.AutonomyLevel == workflow.AutonomyFull {
		sb.WriteString("You have full autonomy; escalations are approved automatically.\n")
	} else {
		sb.WriteString("Escalate decisions that need human judgment and wait for the response.\n")
	}
	sb.WriteString("\nYou MUST call workflow_complete with a summary when all work is done or cannot continue. ")
	sb.WriteString("Use status \"failed\" if the goal was not met.\n")
	return sb.String()
}

// stepPrompt is the task prompt for one step execution.
func stepPrompt(wf *workflow.Workflow, issue *workflow.Issue) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement issue %s: %s\n", issue.ID, issue.Title)
	if issue.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", issue.Description)
	}
	if wf.Source.Goal != "" {
		fmt.Fprintf(&sb, "\nThis is part of the goal: %s\n", wf.Source.Goal)
	}
	fmt.Fprintf(&sb, "\nWork against base branch %s. Commit your changes when done.\n", wf.BaseBranch)
	return sb.String()
}
