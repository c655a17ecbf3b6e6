// Package executiontest provides an in-memory execution.Port for tests.
package executiontest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/c360studio/semflow/execution"
)

// FollowUpCall records one FollowUp invocation.
type FollowUpCall struct {
	SessionID string
	Message   string
}

// Port is a fake agent runtime. Started executions are immediately running.
//
// Usage:
//
//	port := executiontest.NewPort()
//	port.StartErr = errors.New("runtime down")
//	eng := engine.New(engine.Dependencies{Port: port, ...}, opts)
type Port struct {
	mu sync.Mutex

	executions map[string]*execution.Execution
	logs       map[string][]execution.LogEntry
	seq        int

	starts    []execution.StartRequest
	followUps []FollowUpCall
	cancelled []string

	// Errors to return from the corresponding calls. Set before use.
	StartErr    error
	CancelErr   error
	FollowUpErr error
	GetErr      error

	// Now is the clock used for timestamps.
	Now func() time.Time
}

// NewPort creates an empty fake runtime.
func NewPort() *Port {
	return &Port{
		executions: make(map[string]*execution.Execution),
		logs:       make(map[string][]execution.LogEntry),
		Now:        time.Now,
	}
}

// Start implements execution.Port.
func (p *Port) Start(_ context.Context, req execution.StartRequest) (*execution.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.starts = append(p.starts, req)
	if p.StartErr != nil {
		return nil, p.StartErr
	}

	p.seq++
	exec := &execution.Execution{
		ID:         fmt.Sprintf("exec-%d", p.seq),
		SessionID:  fmt.Sprintf("sess-%d", p.seq),
		WorkflowID: req.WorkflowID,
		IssueID:    req.IssueID,
		AgentType:  req.AgentType,
		Status:     execution.StatusRunning,
		WorktreeID: req.WorktreeID,
		BaseBranch: req.BaseBranch,
		CreatedAt:  p.Now(),
	}
	if req.IssueID != "" {
		exec.BranchName = "semflow/" + req.IssueID
	}
	p.executions[exec.ID] = exec
	out := *exec
	return &out, nil
}

// Cancel implements execution.Port.
func (p *Port) Cancel(_ context.Context, executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelled = append(p.cancelled, executionID)
	if p.CancelErr != nil {
		return p.CancelErr
	}
	exec, ok := p.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, executionID)
	}
	if exec.Status.IsTerminal() {
		return errors.New("execution already finished")
	}
	now := p.Now()
	exec.Status = execution.StatusCancelled
	exec.CompletedAt = &now
	return nil
}

// FollowUp implements execution.Port. Each call yields a new execution on
// the same session.
func (p *Port) FollowUp(_ context.Context, sessionID, message string) (*execution.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.followUps = append(p.followUps, FollowUpCall{SessionID: sessionID, Message: message})
	if p.FollowUpErr != nil {
		return nil, p.FollowUpErr
	}

	p.seq++
	exec := &execution.Execution{
		ID:        fmt.Sprintf("exec-%d", p.seq),
		SessionID: sessionID,
		Status:    execution.StatusRunning,
		CreatedAt: p.Now(),
	}
	p.executions[exec.ID] = exec
	out := *exec
	return &out, nil
}

// Get implements execution.Port.
func (p *Port) Get(_ context.Context, executionID string) (*execution.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.GetErr != nil {
		return nil, p.GetErr
	}
	exec, ok := p.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, executionID)
	}
	out := *exec
	return &out, nil
}

// Logs implements execution.Port.
func (p *Port) Logs(_ context.Context, executionID string) ([]execution.LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.executions[executionID]; !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, executionID)
	}
	return slices.Clone(p.logs[executionID]), nil
}

// Put registers or replaces an execution.
func (p *Port) Put(exec execution.Execution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions[exec.ID] = &exec
}

// SetStatus changes the status of a known execution.
func (p *Port) SetStatus(executionID string, status execution.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exec, ok := p.executions[executionID]; ok {
		exec.Status = status
	}
}

// AddLogs appends raw log entries to an execution.
func (p *Port) AddLogs(executionID string, entries ...execution.LogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs[executionID] = append(p.logs[executionID], entries...)
}

// Starts returns a copy of every Start request received.
func (p *Port) Starts() []execution.StartRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.starts)
}

// FollowUps returns a copy of every FollowUp call received.
func (p *Port) FollowUps() []FollowUpCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.followUps)
}

// Cancelled returns the execution ids passed to Cancel.
func (p *Port) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cancelled)
}

// SetFollowUpErr changes the FollowUp error under the lock.
func (p *Port) SetFollowUpErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FollowUpErr = err
}

var _ execution.Port = (*Port)(nil)
