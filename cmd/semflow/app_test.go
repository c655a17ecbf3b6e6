package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "data", "semflow.db")
	cfg.Repo.Path = dir
	return cfg
}

func TestAppStartOffline(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx, modeOffline))

	assert.NotNil(t, app.store)
	assert.NotNil(t, app.engine)
	assert.NotNil(t, app.waker)
	assert.Nil(t, app.natsClient)
	assert.Nil(t, app.publisher)
	assert.Nil(t, app.embeddedServer)
	assert.IsType(t, offlinePort{}, app.port)

	app.Shutdown(ctx)
	assert.FileExists(t, cfg.Database.Path)
}

func TestAppEngineOptions(t *testing.T) {
	cfg := testConfig(t)

	app := NewApp(cfg, "semflow.yaml", nil)
	opts := app.engineOptions()
	abs, err := filepath.Abs("semflow.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"--config", abs}, opts.ToolServer.Args)
	assert.Equal(t, "semflow", opts.ToolServer.Command)
	assert.Equal(t, cfg.Defaults.BaseBranch, opts.BaseBranch)

	cfg.Orchestrator.ToolArgs = []string{"--log-level", "debug"}
	opts = NewApp(cfg, "semflow.yaml", nil).engineOptions()
	assert.Equal(t, []string{"--log-level", "debug"}, opts.ToolServer.Args)

	cfg.Orchestrator.ToolArgs = nil
	opts = NewApp(cfg, "", nil).engineOptions()
	assert.Empty(t, opts.ToolServer.Args)
}

func TestOfflinePort(t *testing.T) {
	ctx := context.Background()
	var p offlinePort

	_, err := p.Get(ctx, "exec-1")
	assert.ErrorIs(t, err, errRuntimeOffline)
	_, err = p.Logs(ctx, "exec-1")
	assert.ErrorIs(t, err, errRuntimeOffline)
	assert.ErrorIs(t, p.Cancel(ctx, "exec-1"), errRuntimeOffline)
	_, err = p.FollowUp(ctx, "sess-1", "hello")
	assert.ErrorIs(t, err, errRuntimeOffline)
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(assert.AnError, "nats://localhost:4222")
	assert.ErrorIs(t, err, assert.AnError)

	refused := wrapNATSError(&netError{"dial tcp: connection refused"}, "nats://localhost:4222")
	assert.Contains(t, refused.Error(), "NATS is not running at nats://localhost:4222")
}

type netError struct{ msg string }

func (e *netError) Error() string { return e.msg }

func TestSourceFromFlags(t *testing.T) {
	src, err := sourceFromFlags([]string{"i-1", "i-2"}, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.SourceIssues, src.Type)

	src, err = sourceFromFlags(nil, "i-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.Source{Type: workflow.SourceRootTask, IssueID: "i-1"}, src)

	src, err = sourceFromFlags(nil, "", "spec-1", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.SourceSpec, src.Type)

	src, err = sourceFromFlags(nil, "", "", "ship it")
	require.NoError(t, err)
	assert.Equal(t, "ship it", src.Goal)

	_, err = sourceFromFlags(nil, "", "", "")
	assert.True(t, workflow.IsValidation(err))
}

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"mcp"},
		{"version"},
		{"workflow", "create"},
		{"workflow", "list"},
		{"workflow", "show"},
		{"workflow", "events"},
		{"workflow", "start"},
		{"workflow", "pause"},
		{"workflow", "resume"},
		{"workflow", "cancel"},
		{"workflow", "retry"},
		{"workflow", "skip"},
		{"workflow", "respond"},
		{"issue", "add"},
		{"issue", "block"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	cancel, _, err := root.Find([]string{"workflow", "cancel"})
	require.NoError(t, err)
	assert.NotNil(t, cancel.Flags().Lookup("reason"))

	pause, _, err := root.Find([]string{"workflow", "pause"})
	require.NoError(t, err)
	assert.Nil(t, pause.Flags().Lookup("reason"))
}

// runCLI executes the root command with a config file pointing at a temp
// database and returns stdout.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOfflineCommands(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(t.TempDir(), "semflow.yaml")
	require.NoError(t, cfg.SaveToFile(cfgPath))

	_, err := runCLI(t, cfgPath, "issue", "add", "i-1", "--title", "Schema", "--priority", "1")
	require.NoError(t, err)
	_, err = runCLI(t, cfgPath, "issue", "add", "i-2", "--title", "API")
	require.NoError(t, err)
	_, err = runCLI(t, cfgPath, "issue", "block", "i-1", "i-2")
	require.NoError(t, err)

	out, err := runCLI(t, cfgPath, "workflow", "create", "--root", "i-1", "--title", "Billing", "--on-failure", "continue")
	require.NoError(t, err)

	var wf workflow.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	assert.Equal(t, workflow.StatusPending, wf.Status)
	assert.Equal(t, workflow.OnFailureContinue, wf.Config.OnFailure)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "i-1", wf.Steps[0].IssueID)
	assert.Equal(t, "i-2", wf.Steps[1].IssueID)

	out, err = runCLI(t, cfgPath, "workflow", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, wf.ID)
	assert.Contains(t, out, "Billing")

	out, err = runCLI(t, cfgPath, "workflow", "show", wf.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "Billing"`)

	_, err = runCLI(t, cfgPath, "workflow", "show", "wf-missing")
	assert.True(t, workflow.IsNotFound(err))

	_, err = runCLI(t, cfgPath, "workflow", "create", "--issues", "i-1", "--goal", "both")
	assert.Error(t, err)
}
