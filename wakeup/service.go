// Package wakeup batches workflow events and delivers them to the
// orchestrator session as a single follow-up message.
//
// The first event recorded for a workflow arms a timer; later events inside
// the window ride along with it. When the timer fires, every unprocessed
// event is summarized into one message. Events are marked processed only
// after the session accepted the message, so a failed delivery leaves them
// for the next wakeup.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/workflow"
)

// Trigger labels.
const (
	TriggerTimer     = "timer"
	TriggerImmediate = "immediate"
	TriggerFlush     = "flush"
)

// Store is the persistence the service needs.
type Store interface {
	AppendEvent(ctx context.Context, evt *workflow.Event) error
	UnprocessedEvents(ctx context.Context, workflowID string) ([]workflow.Event, error)
	MarkEventsProcessed(ctx context.Context, ids []string, at time.Time) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	SetOrchestrator(ctx context.Context, workflowID, executionID, sessionID string) error
}

// Messenger sends a follow-up message to an orchestrator session.
type Messenger interface {
	FollowUp(ctx context.Context, sessionID, message string) (*execution.Execution, error)
}

// IssueLookup resolves issue titles for the wakeup message.
type IssueLookup interface {
	GetIssue(ctx context.Context, id string) (*workflow.Issue, error)
}

// Config holds the service settings.
type Config struct {
	// Window is the debounce delay between the first event and delivery.
	Window time.Duration
	// DeliveryTimeout bounds a timer-driven delivery.
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default service settings.
func DefaultConfig() Config {
	return Config{
		Window:          2 * time.Second,
		DeliveryTimeout: 30 * time.Second,
	}
}

// Result describes one delivery attempt.
type Result struct {
	Delivered   int    `json:"delivered"`
	Skipped     bool   `json:"skipped"`
	Reason      string `json:"reason,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type armed struct {
	timer *time.Timer
	gen   uint64
}

// Service debounces and delivers orchestrator wakeups.
type Service struct {
	store     Store
	messenger Messenger
	issues    IssueLookup
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*armed
	gen    uint64
	closed bool
	wg     sync.WaitGroup

	delivery sync.Map // workflow id -> *sync.Mutex
}

// New creates a wakeup service. issues may be nil.
func New(store Store, messenger Messenger, issues IssueLookup, cfg Config, logger *slog.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		messenger: messenger,
		issues:    issues,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		timers:    make(map[string]*armed),
	}
}

// RecordEvent appends an event and arms the workflow's wakeup timer if it is
// not already armed.
func (s *Service) RecordEvent(ctx context.Context, workflowID string, typ workflow.EventType, stepID string, payload workflow.Payload) (*workflow.Event, error) {
	evt, err := workflow.NewEvent(workflowID, typ, stepID, payload, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("record %s: %w", typ, err)
	}
	s.schedule(workflowID)
	return evt, nil
}

// TriggerWakeup cancels any armed timer and delivers immediately.
func (s *Service) TriggerWakeup(ctx context.Context, workflowID string) (*Result, error) {
	s.CancelPendingWakeup(workflowID)
	return s.deliver(ctx, workflowID, TriggerImmediate)
}

// CancelPendingWakeup disarms the workflow's timer. Returns true if one was armed.
func (s *Service) CancelPendingWakeup(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[workflowID]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.timers, workflowID)
	metrics.SetPendingWakeups(len(s.timers))
	return true
}

// Pending reports whether a timer is armed for the workflow.
func (s *Service) Pending(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[workflowID]
	return ok
}

// GetUnprocessedEvents returns events not yet delivered, in recorded order.
func (s *Service) GetUnprocessedEvents(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	return s.store.UnprocessedEvents(ctx, workflowID)
}

// MarkEventsProcessed stamps the given events as delivered.
func (s *Service) MarkEventsProcessed(ctx context.Context, ids []string) error {
	return s.store.MarkEventsProcessed(ctx, ids, s.now())
}

// Flush delivers every armed wakeup now. Short-lived processes call it
// before exiting so recorded events are not stranded behind a timer.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id, a := range s.timers {
		a.timer.Stop()
		ids = append(ids, id)
	}
	clear(s.timers)
	metrics.SetPendingWakeups(0)
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if _, err := s.deliver(ctx, id, TriggerFlush); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close disarms all timers and waits for in-flight deliveries.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, a := range s.timers {
		a.timer.Stop()
	}
	clear(s.timers)
	metrics.SetPendingWakeups(0)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Service) schedule(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[workflowID]; ok {
		return
	}

	s.gen++
	gen := s.gen
	s.timers[workflowID] = &armed{
		gen:   gen,
		timer: time.AfterFunc(s.cfg.Window, func() { s.fire(workflowID, gen) }),
	}
	metrics.SetPendingWakeups(len(s.timers))
	s.logger.Debug("Wakeup armed", "workflow_id", workflowID, "window", s.cfg.Window)
}

func (s *Service) fire(workflowID string, gen uint64) {
	s.mu.Lock()
	a, ok := s.timers[workflowID]
	if !ok || a.gen != gen || s.closed {
		// Cancelled or superseded after the timer was already running.
		s.mu.Unlock()
		return
	}
	delete(s.timers, workflowID)
	metrics.SetPendingWakeups(len(s.timers))
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliveryTimeout)
	defer cancel()
	if _, err := s.deliver(ctx, workflowID, TriggerTimer); err != nil {
		s.logger.Error("Wakeup delivery failed", "workflow_id", workflowID, "error", err)
	}
}

func (s *Service) deliveryLock(workflowID string) *sync.Mutex {
	m, _ := s.delivery.LoadOrStore(workflowID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *Service) deliver(ctx context.Context, workflowID, trigger string) (*Result, error) {
	lock := s.deliveryLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		metrics.RecordWakeup(trigger, metrics.ResultFailed, 0)
		return nil, fmt.Errorf("load workflow: %w", err)
	}

	skip := func(reason string) (*Result, error) {
		metrics.RecordWakeup(trigger, metrics.ResultSkipped, 0)
		s.logger.Debug("Wakeup skipped", "workflow_id", workflowID, "trigger", trigger, "reason", reason)
		return &Result{Skipped: true, Reason: reason}, nil
	}
	if wf.Status != workflow.StatusRunning {
		return skip("workflow is " + wf.Status.String())
	}
	if wf.OrchestratorSessionID == "" {
		return skip("no orchestrator session")
	}

	events, err := s.store.UnprocessedEvents(ctx, workflowID)
	if err != nil {
		metrics.RecordWakeup(trigger, metrics.ResultFailed, 0)
		return nil, fmt.Errorf("load unprocessed events: %w", err)
	}
	if len(events) == 0 {
		return skip("no unprocessed events")
	}

	message := BuildMessage(wf, events, s.resolveTitles(ctx, wf, events))
	exec, err := s.messenger.FollowUp(ctx, wf.OrchestratorSessionID, message)
	if err != nil {
		metrics.RecordWakeup(trigger, metrics.ResultFailed, len(events))
		return nil, fmt.Errorf("send follow-up to session %s: %w", wf.OrchestratorSessionID, err)
	}

	ids := make([]string, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
	}
	if err := s.store.MarkEventsProcessed(ctx, ids, s.now()); err != nil {
		// The message went out; the events will be delivered again.
		s.logger.Error("Failed to mark delivered events processed",
			"workflow_id", workflowID, "events", len(events), "error", err)
	}

	result := &Result{Delivered: len(events)}
	if exec != nil && exec.ID != "" {
		result.ExecutionID = exec.ID
		if err := s.store.SetOrchestrator(ctx, workflowID, exec.ID, exec.SessionID); err != nil {
			s.logger.Warn("Failed to record orchestrator execution",
				"workflow_id", workflowID, "execution_id", exec.ID, "error", err)
		}
	}

	metrics.RecordWakeup(trigger, metrics.ResultSent, len(events))
	s.logger.Info("Orchestrator woken",
		"workflow_id", workflowID,
		"trigger", trigger,
		"events", len(events),
		"execution_id", result.ExecutionID)
	return result, nil
}

func (s *Service) resolveTitles(ctx context.Context, wf *workflow.Workflow, events []workflow.Event) map[string]string {
	titles := make(map[string]string)
	if s.issues == nil {
		return titles
	}
	for _, id := range issueIDs(wf, events) {
		issue, err := s.issues.GetIssue(ctx, id)
		if err != nil {
			continue
		}
		titles[id] = issue.Title
	}
	return titles
}
