package trajectory

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/execution"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func line(offset time.Duration, typ, data string) execution.LogEntry {
	return execution.LogEntry{Timestamp: base.Add(offset), Type: typ, Data: json.RawMessage(data)}
}

func TestBuild_ParsesEntryTypes(t *testing.T) {
	logs := []execution.LogEntry{
		line(0, "system", `{"session":"s-1"}`),
		line(time.Second, "assistant", `{"text":"Reading the schema"}`),
		line(2*time.Second, "tool_use", `{"id":"tu-1","name":"read_file","input":{"path":"db/schema.sql"}}`),
		line(3*time.Second, "tool_result", `{"tool_use_id":"tu-1","content":"CREATE TABLE users"}`),
		line(4*time.Second, "tool_result", `{"tool_call_id":"tu-2","output":"exit 1","is_error":true}`),
		line(5*time.Second, "error", `{"message":"rate limited"}`),
		line(6*time.Second, "message", `{"role":"assistant","content":"Done"}`),
	}

	tr := Build("exec-1", logs, 0)
	assert.Equal(t, "exec-1", tr.ExecutionID)
	assert.Equal(t, 6, tr.TotalEntries)
	assert.False(t, tr.Truncated)
	assert.Equal(t, Counts{ToolCalls: 1, ToolResults: 2, Messages: 2, Errors: 1}, tr.Counts)
	assert.Equal(t, int64(6000), tr.DurationMs)
	require.NotNil(t, tr.StartedAt)
	assert.Equal(t, base, *tr.StartedAt)

	require.Len(t, tr.Entries, 6)
	assert.Equal(t, Entry{Type: EntryMessage, Timestamp: base.Add(time.Second), Role: "assistant", Text: "Reading the schema"}, tr.Entries[0])

	call := tr.Entries[1]
	assert.Equal(t, EntryToolCall, call.Type)
	assert.Equal(t, "read_file", call.ToolName)
	assert.Equal(t, "tu-1", call.ToolCallID)
	assert.JSONEq(t, `{"path":"db/schema.sql"}`, call.Input)

	assert.Equal(t, "CREATE TABLE users", tr.Entries[2].Output)
	assert.Equal(t, "tu-1", tr.Entries[2].ToolCallID)
	assert.True(t, tr.Entries[3].IsError)
	assert.Equal(t, "exit 1", tr.Entries[3].Output)
	assert.Equal(t, "rate limited", tr.Entries[4].Text)
	assert.Equal(t, "Done", tr.Entries[5].Text)
}

func TestBuild_KeepsMostRecent(t *testing.T) {
	var logs []execution.LogEntry
	for i := range 10 {
		logs = append(logs, line(time.Duration(i)*time.Second, "tool_use", fmt.Sprintf(`{"id":"tu-%d","name":"bash"}`, i)))
	}

	tr := Build("exec-1", logs, 3)
	assert.Equal(t, 10, tr.TotalEntries)
	assert.Equal(t, 10, tr.Counts.ToolCalls)
	assert.True(t, tr.Truncated)
	require.Len(t, tr.Entries, 3)
	assert.Equal(t, "tu-7", tr.Entries[0].ToolCallID)
	assert.Equal(t, "tu-9", tr.Entries[2].ToolCallID)
}

func TestBuild_DefaultLimit(t *testing.T) {
	var logs []execution.LogEntry
	for i := range DefaultMaxEntries + 5 {
		logs = append(logs, line(time.Duration(i)*time.Millisecond, "text", `"hello"`))
	}
	tr := Build("exec-1", logs, -1)
	assert.Len(t, tr.Entries, DefaultMaxEntries)
	assert.Equal(t, DefaultMaxEntries+5, tr.TotalEntries)
	assert.Equal(t, `"hello"`, tr.Entries[0].Text, "non-object payloads are kept as text")
}

func TestBuild_OrdersByTimestamp(t *testing.T) {
	logs := []execution.LogEntry{
		line(2*time.Second, "error", `{"error":"late"}`),
		line(0, "error", `{"error":"early"}`),
	}
	tr := Build("exec-1", logs, 0)
	require.Len(t, tr.Entries, 2)
	assert.Equal(t, "early", tr.Entries[0].Text)
	assert.Equal(t, int64(2000), tr.DurationMs)
}

func TestBuild_Empty(t *testing.T) {
	tr := Build("exec-1", nil, 0)
	assert.NotNil(t, tr.Entries)
	assert.Empty(t, tr.Entries)
	assert.Zero(t, tr.TotalEntries)
	assert.Nil(t, tr.StartedAt)

	data, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entries":[]`)
}

func TestPreview_Truncates(t *testing.T) {
	long := strings.Repeat("é", previewLength+10)
	got := preview(long)
	assert.Equal(t, previewLength+3, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}
