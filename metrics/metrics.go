// Package metrics exposes Prometheus metrics for workflow operations,
// orchestrator wakeups and tool calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semflow"

// Result labels.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultSent     = "sent"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

var (
	// workflowOperations counts engine operations by outcome.
	workflowOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_operations_total",
			Help:      "Total number of workflow engine operations",
		},
		[]string{"operation", "result"}, // result: ok, rejected, error
	)

	// workflowTransitions counts status changes.
	workflowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Total number of workflow status transitions",
		},
		[]string{"from", "to"},
	)

	// wakeupsTotal counts wakeup attempts by outcome.
	wakeupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Total number of orchestrator wakeups",
		},
		[]string{"trigger", "result"}, // trigger: timer, immediate, flush
	)

	// wakeupBatchSize is the number of events delivered per wakeup.
	wakeupBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wakeup_batch_events",
			Help:      "Number of events delivered in one wakeup",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50},
		},
	)

	// pendingWakeups is the number of armed debounce timers.
	pendingWakeups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wakeups_pending",
			Help:      "Number of workflows with an armed wakeup timer",
		},
	)

	// toolCallDuration is a histogram of orchestrator tool call latency.
	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of orchestrator tool calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// toolCallsTotal counts orchestrator tool calls.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of orchestrator tool calls",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	// executionUpdatesTotal counts runtime status updates applied to steps.
	executionUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_updates_total",
			Help:      "Total number of execution status updates received",
		},
		[]string{"status", "applied"},
	)

	allMetrics = []prometheus.Collector{
		workflowOperations,
		workflowTransitions,
		wakeupsTotal,
		wakeupBatchSize,
		pendingWakeups,
		toolCallDuration,
		toolCallsTotal,
		executionUpdatesTotal,
	}
)

// RecordOperation records the outcome of an engine operation.
func RecordOperation(operation, result string) {
	workflowOperations.WithLabelValues(operation, result).Inc()
}

// RecordTransition records a workflow status change.
func RecordTransition(from, to string) {
	workflowTransitions.WithLabelValues(from, to).Inc()
}

// RecordWakeup records a wakeup attempt. batch is ignored unless result is sent.
func RecordWakeup(trigger, result string, batch int) {
	wakeupsTotal.WithLabelValues(trigger, result).Inc()
	if result == ResultSent {
		wakeupBatchSize.Observe(float64(batch))
	}
}

// SetPendingWakeups sets the number of armed wakeup timers.
func SetPendingWakeups(n int) {
	pendingWakeups.Set(float64(n))
}

// RecordToolCall records one orchestrator tool call.
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordExecutionUpdate records a runtime status update.
func RecordExecutionUpdate(status string, applied bool) {
	a := "false"
	if applied {
		a = "true"
	}
	executionUpdatesTotal.WithLabelValues(status, a).Inc()
}

// Reset clears every metric. Used by tests.
func Reset() {
	workflowOperations.Reset()
	workflowTransitions.Reset()
	wakeupsTotal.Reset()
	pendingWakeups.Set(0)
	toolCallDuration.Reset()
	toolCallsTotal.Reset()
	executionUpdatesTotal.Reset()
}
