package wakeup

import (
	"fmt"
	"strings"

	"github.com/c360studio/semflow/workflow"
)

// section headings, keyed by event type.
var sectionTitles = map[workflow.EventType]string{
	workflow.EventStepCompleted:       "Completed steps",
	workflow.EventStepFailed:          "Failed steps",
	workflow.EventStepRetryRequested:  "Retry requested by user",
	workflow.EventStepSkipped:         "Skip requested by user",
	workflow.EventStepStarted:         "Steps started",
	workflow.EventEscalationRequested: "Escalations opened",
	workflow.EventEscalationResolved:  "Escalations resolved",
	workflow.EventUserNotification:    "Notifications sent",
	workflow.EventWorkflowStarted:     "Workflow status",
	workflow.EventWorkflowPaused:      "Workflow status",
	workflow.EventWorkflowResumed:     "Workflow status",
	workflow.EventWorkflowCompleted:   "Workflow status",
	workflow.EventWorkflowFailed:      "Workflow status",
	workflow.EventWorkflowCancelled:   "Workflow status",
}

// BuildMessage renders a batch of events as one follow-up message. Events are
// grouped under headings that appear in the order their first event was
// recorded; within a heading events keep their recorded order. titles maps
// issue ids to titles and may be missing entries.
func BuildMessage(wf *workflow.Workflow, events []workflow.Event, titles map[string]string) string {
	var order []string
	lines := make(map[string][]string)
	for _, evt := range events {
		heading, ok := sectionTitles[evt.Type]
		if !ok {
			heading = "Other events"
		}
		if _, seen := lines[heading]; !seen {
			order = append(order, heading)
		}
		lines[heading] = append(lines[heading], describe(wf, evt, titles))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Workflow update: %s\n\n", wf.Title)
	noun := "events"
	if len(events) == 1 {
		noun = "event"
	}
	fmt.Fprintf(&sb, "%d new %s for workflow %s since your last update.\n", len(events), noun, wf.ID)

	for _, heading := range order {
		fmt.Fprintf(&sb, "\n### %s\n", heading)
		for _, line := range lines[heading] {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nCall workflow_status to see which steps are ready, then continue. ")
	sb.WriteString("Treat retry and skip requests as instructions from the user. ")
	sb.WriteString("Call workflow_complete when all work is finished or cannot proceed.\n")
	return sb.String()
}

func describe(wf *workflow.Workflow, evt workflow.Event, titles map[string]string) string {
	payload, err := evt.Decode()
	if err != nil {
		return fmt.Sprintf("%s (unreadable payload)", evt.Type)
	}

	switch p := payload.(type) {
	case *workflow.StepFinishedPayload:
		detail := p.Summary
		if evt.Type == workflow.EventStepFailed {
			detail = p.Error
			if detail == "" {
				detail = "execution " + p.Status
			}
		}
		return joinDetail(issueLabel(wf, evt.StepID, p.IssueID, titles), detail) +
			fmt.Sprintf(" (execution %s)", p.ExecutionID)
	case *workflow.StepControlPayload:
		reason := p.Reason
		if reason == "" {
			reason = "requested by user"
		}
		return joinDetail(issueLabel(wf, evt.StepID, p.IssueID, titles), reason)
	case *workflow.StepStartedPayload:
		return fmt.Sprintf("%s (execution %s, %s)", issueLabel(wf, evt.StepID, p.IssueID, titles), p.ExecutionID, p.WorktreeMode)
	case *workflow.EscalationRequestedPayload:
		return fmt.Sprintf("%s: %s", p.EscalationID, p.Message)
	case *workflow.EscalationResolvedPayload:
		return fmt.Sprintf("%s: user responded %q", p.EscalationID, p.Response)
	case *workflow.UserNotificationPayload:
		return fmt.Sprintf("[%s] %s", p.Level, p.Message)
	case *workflow.WorkflowTransitionPayload:
		return joinDetail(fmt.Sprintf("%s -> %s", p.From, p.To), p.Reason)
	case *workflow.WorkflowStartedPayload:
		return fmt.Sprintf("started with %d steps", p.StepCount)
	case *workflow.WorkflowFinishedPayload:
		return joinDetail(string(p.Status), p.Summary)
	}
	return string(evt.Type)
}

func issueLabel(wf *workflow.Workflow, stepID, issueID string, titles map[string]string) string {
	if issueID == "" {
		if step, ok := wf.Step(stepID); ok {
			issueID = step.IssueID
		}
	}
	if issueID == "" {
		return "step " + stepID
	}
	if title, ok := titles[issueID]; ok && title != "" {
		return fmt.Sprintf("%s %q", issueID, title)
	}
	return issueID
}

func joinDetail(label, detail string) string {
	if detail == "" {
		return label
	}
	return label + ": " + detail
}

// issueIDs returns the distinct issue ids referenced by events.
func issueIDs(wf *workflow.Workflow, events []workflow.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, evt := range events {
		if step, ok := wf.Step(evt.StepID); ok {
			add(step.IssueID)
		}
	}
	return out
}
