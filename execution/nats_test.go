package execution

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNATS runs an embedded server on a random port and returns a client
// connection to it.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return conn
}

// respond installs a fake runtime handler for one request kind.
func respond(t *testing.T, conn *nats.Conn, subject string, fn func(data []byte) Reply) {
	t.Helper()
	_, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		out, err := json.Marshal(fn(msg.Data))
		if err != nil {
			t.Errorf("marshal reply: %v", err)
			return
		}
		_ = msg.Respond(out)
	})
	require.NoError(t, err)
	require.NoError(t, conn.Flush())
}

func result(t *testing.T, v any) Reply {
	t.Helper()
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	return Reply{Result: data}
}

func TestNATSPort_Start(t *testing.T) {
	conn := startNATS(t)
	port := NewNATSPort(conn, NATSConfig{Prefix: "exec"}, nil)

	var got StartRequest
	respond(t, conn, "exec.start", func(data []byte) Reply {
		assert.NoError(t, json.Unmarshal(data, &got))
		return result(t, Execution{ID: "ex-1", SessionID: "sess-1", Status: StatusRunning})
	})

	exec, err := port.Start(context.Background(), StartRequest{
		WorkflowID:   "wf-1",
		IssueID:      "i-1",
		AgentType:    "claude-code",
		Prompt:       "do it",
		WorktreeMode: WorktreeCreateRoot,
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", exec.ID)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, "i-1", got.IssueID)
	assert.Equal(t, WorktreeCreateRoot, got.WorktreeMode)
}

func TestNATSPort_GetNotFound(t *testing.T) {
	conn := startNATS(t)
	port := NewNATSPort(conn, NATSConfig{Prefix: "exec"}, nil)

	respond(t, conn, "exec.get", func([]byte) Reply {
		return Reply{Error: "no such execution", Code: codeNotFound}
	})

	_, err := port.Get(context.Background(), "ex-404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNATSPort_RuntimeError(t *testing.T) {
	conn := startNATS(t)
	port := NewNATSPort(conn, NATSConfig{Prefix: "exec"}, nil)

	respond(t, conn, "exec.cancel", func([]byte) Reply {
		return Reply{Error: "execution already finished"}
	})

	err := port.Cancel(context.Background(), "ex-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestNATSPort_FollowUpAndLogs(t *testing.T) {
	conn := startNATS(t)
	port := NewNATSPort(conn, NATSConfig{Prefix: "exec"}, nil)

	respond(t, conn, "exec.followup", func(data []byte) Reply {
		var req followUpRequest
		assert.NoError(t, json.Unmarshal(data, &req))
		return result(t, Execution{ID: "ex-2", SessionID: req.SessionID, Status: StatusRunning})
	})
	respond(t, conn, "exec.logs", func([]byte) Reply {
		return result(t, []LogEntry{{Type: "tool_use", Data: json.RawMessage(`{"name":"Read"}`)}})
	})

	exec, err := port.FollowUp(context.Background(), "sess-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", exec.SessionID)

	logs, err := port.Logs(context.Background(), "ex-2")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "tool_use", logs[0].Type)
}

func TestNATSPort_NoResponder(t *testing.T) {
	conn := startNATS(t)
	port := NewNATSPort(conn, NATSConfig{Prefix: "exec", RequestTimeout: 200 * time.Millisecond}, nil)

	_, err := port.Get(context.Background(), "ex-1")
	assert.Error(t, err)
}

func TestNATSPort_SubscribeUpdates(t *testing.T) {
	conn := startNATS(t)
	port := NewNATSPort(conn, NATSConfig{Prefix: "exec"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan Update, 4)
	_, err := port.SubscribeUpdates(ctx, func(_ context.Context, u Update) {
		updates <- u
	})
	require.NoError(t, err)

	require.NoError(t, conn.Publish("exec.updates.ex-1", []byte(`not json`)))
	require.NoError(t, conn.Publish("exec.updates.ex-1", []byte(`{"status":"completed"}`)))
	data, err := json.Marshal(Update{ExecutionID: "ex-1", Status: StatusCompleted, Summary: "done"})
	require.NoError(t, err)
	require.NoError(t, conn.Publish("exec.updates.ex-1", data))

	select {
	case u := <-updates:
		assert.Equal(t, "ex-1", u.ExecutionID)
		assert.Equal(t, StatusCompleted, u.Status)
		assert.Equal(t, "done", u.Summary)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	assert.Empty(t, updates, "malformed updates are dropped")
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusPreparing.IsActive())
	assert.True(t, StatusPending.IsActive())
	assert.False(t, StatusCompleted.IsActive())
	assert.True(t, StatusCancelled.IsTerminal())

	assert.True(t, WorktreeUseBranch.RequiresWorktreeID())
	assert.True(t, WorktreeUseRoot.RequiresWorktreeID())
	assert.False(t, WorktreeCreateRoot.RequiresWorktreeID())
	assert.False(t, WorktreeCreateBranch.RequiresWorktreeID())
	assert.False(t, WorktreeMode("teleport").IsValid())
}
