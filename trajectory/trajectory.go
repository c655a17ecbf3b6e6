// Package trajectory condenses an execution's raw structured log into the
// ordered tool calls, tool results, messages and errors an orchestrator can
// read.
package trajectory

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/c360studio/semflow/execution"
)

// DefaultMaxEntries is used when the caller does not bound the result.
const DefaultMaxEntries = 50

// previewLength bounds tool inputs, outputs and messages in entries.
const previewLength = 200

// EntryType is the kind of a trajectory entry.
type EntryType string

const (
	EntryToolCall   EntryType = "tool_call"
	EntryToolResult EntryType = "tool_result"
	EntryMessage    EntryType = "message"
	EntryError      EntryType = "error"
)

// Trajectory is the condensed view of one execution.
type Trajectory struct {
	// ExecutionID identifies the execution the log belongs to.
	ExecutionID string `json:"execution_id"`

	// TotalEntries is the number of recognised entries in the whole log,
	// before truncation.
	TotalEntries int `json:"total_entries"`

	// Truncated is true if older entries were dropped.
	Truncated bool `json:"truncated"`

	// Counts breaks TotalEntries down by type.
	Counts Counts `json:"counts"`

	// StartedAt is the timestamp of the first log line.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is the timestamp of the last log line.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// DurationMs is the time between the first and last log line.
	DurationMs int64 `json:"duration_ms"`

	// Entries are the most recent entries, oldest first.
	Entries []Entry `json:"entries"`
}

// Counts are per-type entry totals.
type Counts struct {
	ToolCalls   int `json:"tool_calls"`
	ToolResults int `json:"tool_results"`
	Messages    int `json:"messages"`
	Errors      int `json:"errors"`
}

// Entry is one event in the trajectory.
type Entry struct {
	Type      EntryType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// ToolName is set for tool_call entries.
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallID links a tool_result to its tool_call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Input is a truncated preview of the tool arguments.
	Input string `json:"input,omitempty"`

	// Output is a truncated preview of the tool result.
	Output string `json:"output,omitempty"`

	// IsError marks a tool result that reported failure.
	IsError bool `json:"is_error,omitempty"`

	// Role is the author of a message entry.
	Role string `json:"role,omitempty"`

	// Text is a truncated preview of a message or error.
	Text string `json:"text,omitempty"`
}

// rawData covers the field spellings runtimes use in log lines.
type rawData struct {
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	CallID    string          `json:"tool_call_id"`
	Content   json.RawMessage `json:"content"`
	Output    json.RawMessage `json:"output"`
	IsError   bool            `json:"is_error"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
}

// Build condenses logs into a trajectory keeping the most recent maxEntries
// entries. maxEntries <= 0 means DefaultMaxEntries. Log lines of unknown
// types are ignored but still count towards the elapsed duration.
func Build(executionID string, logs []execution.LogEntry, maxEntries int) *Trajectory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	t := &Trajectory{ExecutionID: executionID, Entries: []Entry{}}
	if len(logs) == 0 {
		return t
	}

	ordered := slices.Clone(logs)
	slices.SortStableFunc(ordered, func(a, b execution.LogEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	first, last := ordered[0].Timestamp, ordered[len(ordered)-1].Timestamp
	t.StartedAt = &first
	t.EndedAt = &last
	t.DurationMs = last.Sub(first).Milliseconds()

	var entries []Entry
	for _, line := range ordered {
		entry, ok := parse(line)
		if !ok {
			continue
		}
		switch entry.Type {
		case EntryToolCall:
			t.Counts.ToolCalls++
		case EntryToolResult:
			t.Counts.ToolResults++
		case EntryMessage:
			t.Counts.Messages++
		case EntryError:
			t.Counts.Errors++
		}
		entries = append(entries, entry)
	}

	t.TotalEntries = len(entries)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
		t.Truncated = true
	}
	if entries != nil {
		t.Entries = entries
	}
	return t
}

func parse(line execution.LogEntry) (Entry, bool) {
	var data rawData
	if len(line.Data) > 0 {
		if err := json.Unmarshal(line.Data, &data); err != nil {
			// A non-object payload is kept as plain text.
			data.Text = string(line.Data)
		}
	}

	entry := Entry{Timestamp: line.Timestamp}
	switch strings.ToLower(line.Type) {
	case "tool_call", "tool_use":
		entry.Type = EntryToolCall
		entry.ToolName = data.Name
		entry.ToolCallID = data.ID
		entry.Input = preview(rawText(data.Input))
	case "tool_result":
		entry.Type = EntryToolResult
		entry.ToolCallID = firstNonEmpty(data.ToolUseID, data.CallID, data.ID)
		entry.Output = preview(firstNonEmpty(rawText(data.Output), rawText(data.Content)))
		entry.IsError = data.IsError
	case "message", "assistant", "user", "text":
		entry.Type = EntryMessage
		entry.Role = data.Role
		if entry.Role == "" && line.Type != "message" && line.Type != "text" {
			entry.Role = line.Type
		}
		entry.Text = preview(firstNonEmpty(data.Text, rawText(data.Content), data.Message))
	case "error":
		entry.Type = EntryError
		entry.Text = preview(firstNonEmpty(data.Message, data.Error, data.Text))
	default:
		return Entry{}, false
	}
	return entry, true
}

// rawText returns a JSON string's value, or the compact JSON otherwise.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "..."
}
