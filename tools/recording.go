package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/c360studio/semflow/metrics"
)

// MaxRecordedParamsLength is the max length of serialized arguments in a log line.
const MaxRecordedParamsLength = 1000

// Call outcomes recorded per tool.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// recorder wraps tool handlers with timing, metrics and a log line per call.
type recorder struct {
	workflowID string
	logger     *slog.Logger
	now        func() time.Time
}

func (r *recorder) wrap(name string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		startedAt := r.now()
		result, err := handler(ctx, request)
		duration := r.now().Sub(startedAt)

		status := statusSuccess
		if err != nil || (result != nil && result.IsError) {
			status = statusError
		}
		metrics.RecordToolCall(name, status, duration)

		attrs := []any{
			"workflow_id", r.workflowID,
			"tool", name,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"arguments", truncateJSON(request.GetArguments(), MaxRecordedParamsLength),
		}
		if err != nil {
			r.logger.Error("Tool call failed", append(attrs, "error", err)...)
		} else {
			r.logger.Debug("Tool call", attrs...)
		}
		return result, err
	}
}

// truncateJSON marshals a map to JSON and truncates to maxLen.
func truncateJSON(m map[string]any, maxLen int) string {
	if m == nil {
		return "{}"
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}

	s := string(data)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
