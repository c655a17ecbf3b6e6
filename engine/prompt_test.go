package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/workflow"
)

func TestToolServerConfig(t *testing.T) {
	raw, err := toolServerConfig(ToolServer{
		Name:    "semflow",
		Command: "/usr/local/bin/semflow",
		Args:    []string{"--config", "/etc/semflow.yaml"},
	}, "wf-1")
	require.NoError(t, err)

	var cfg mcpConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	server, ok := cfg.MCPServers["semflow"]
	require.True(t, ok)
	assert.Equal(t, "/usr/local/bin/semflow", server.Command)
	assert.Equal(t, []string{"--config", "/etc/semflow.yaml", "mcp", "--workflow", "wf-1"}, server.Args)
	assert.NotNil(t, server.Env)
}

func TestOrchestratorPrompt(t *testing.T) {
	wf := &workflow.Workflow{
		ID:         "wf-1",
		Title:      "Auth",
		BaseBranch: "main",
		Config:     workflow.DefaultConfig("claude-code"),
		Steps: []workflow.Step{
			{ID: "s1", IssueID: "i-1", Index: 0, Status: workflow.StepPending},
			{ID: "s2", IssueID: "i-2", Index: 1, Dependencies: []string{"s1"}, Status: workflow.StepPending},
		},
	}
	issues := map[string]*workflow.Issue{"i-1": {ID: "i-1", Title: "Add schema"}}

	prompt := orchestratorPrompt(wf, issues, readySteps(wf))
	assert.Contains(t, prompt, "# Workflow: Auth")
	assert.Contains(t, prompt, "1. i-1: Add schema\n")
	assert.Contains(t, prompt, "2. i-2 (after i-1)\n")
	assert.Contains(t, prompt, "Ready to start now: i-1\n")

	goal := orchestratorPrompt(&workflow.Workflow{
		ID:     "wf-2",
		Source: workflow.Source{Type: workflow.SourceGoal, Goal: "Ship it"},
		Config: workflow.DefaultConfig("claude-code"),
	}, nil, nil)
	assert.Contains(t, goal, "## Goal\n\nShip it")
	assert.Contains(t, goal, "No tasks were planned")
}

func TestOrchestratorDirective(t *testing.T) {
	cfg := workflow.DefaultConfig("claude-code")
	directive := orchestratorDirective(&workflow.Workflow{Config: cfg})
	assert.Contains(t, directive, "workflow_complete")
	assert.Contains(t, directive, "Run one execution at a time.")
	assert.Contains(t, directive, "Escalate decisions")

	cfg.Parallelism = workflow.ParallelismParallel
	cfg.AutonomyLevel = workflow.AutonomyFull
	directive = orchestratorDirective(&workflow.Workflow{Config: cfg})
	assert.NotContains(t, directive, "Run one execution at a time.")
	assert.NotContains(t, directive, "Keep at most")
	assert.Contains(t, directive, "full autonomy")

	cfg.MaxConcurrency = 2
	directive = orchestratorDirective(&workflow.Workflow{Config: cfg})
	assert.Contains(t, directive, "Keep at most 2 executions running.")
}
