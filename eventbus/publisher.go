// Package eventbus mirrors committed workflow events onto NATS so that
// dashboards and other services can follow workflows without polling the
// database.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// DefaultPrefix is the subject namespace events are published under.
const DefaultPrefix = "workflow.events"

// Client is the publishing half of a NATS client. *natsclient.Client
// satisfies it.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Message is the JSON body published for each event.
type Message struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"type"`
	StepID     string          `json:"step_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Publisher publishes workflow events.
type Publisher struct {
	client  Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithTimeout bounds each publish made from the store hook.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client Client, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		client:  client,
		prefix:  DefaultPrefix,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "eventbus"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns "<prefix>.<workflow id>.<event type>".
func (p *Publisher) Subject(evt workflow.Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, evt.WorkflowID, evt.Type)
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, evt workflow.Event) error {
	if p.client == nil {
		return nil
	}
	data, err := json.Marshal(Message{
		ID:         evt.ID,
		WorkflowID: evt.WorkflowID,
		Type:       string(evt.Type),
		StepID:     evt.StepID,
		Payload:    evt.Payload,
		CreatedAt:  evt.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}
	subject := p.Subject(evt)
	if err := p.client.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Hook adapts the publisher to a store event hook. Failures are logged;
// the event is already committed.
func (p *Publisher) Hook() storage.EventHook {
	return func(ctx context.Context, evt workflow.Event) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, evt); err != nil {
			p.logger.Warn("Failed to publish workflow event",
				"workflow_id", evt.WorkflowID, "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
}
