package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Request subjects under the configured prefix. The runtime answers each
// request with a reply envelope.
const (
	subjectStart    = "start"
	subjectCancel   = "cancel"
	subjectFollowUp = "followup"
	subjectGet      = "get"
	subjectLogs     = "logs"
	subjectUpdates  = "updates.>"

	codeNotFound = "not_found"
)

// Reply is the envelope the runtime sends back for every request.
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// NATSConfig configures a NATSPort.
type NATSConfig struct {
	// Prefix is the subject namespace, e.g. "execution".
	Prefix string
	// RequestTimeout bounds a request when ctx has no deadline.
	RequestTimeout time.Duration
}

// NATSPort talks to the agent runtime over NATS request/reply.
type NATSPort struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSPort creates a port on an established connection.
func NewNATSPort(conn *nats.Conn, cfg NATSConfig, logger *slog.Logger) *NATSPort {
	if cfg.Prefix == "" {
		cfg.Prefix = "execution"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPort{
		conn:    conn,
		prefix:  cfg.Prefix,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}
}

// Subject returns the full subject for a request kind.
func (p *NATSPort) Subject(kind string) string {
	return p.prefix + "." + kind
}

type idRequest struct {
	ExecutionID string `json:"execution_id"`
}

type followUpRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Start implements Port.
func (p *NATSPort) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	var exec Execution
	if err := p.request(ctx, subjectStart, req, &exec); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	return &exec, nil
}

// Cancel implements Port.
func (p *NATSPort) Cancel(ctx context.Context, executionID string) error {
	if err := p.request(ctx, subjectCancel, idRequest{ExecutionID: executionID}, nil); err != nil {
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}
	return nil
}

// FollowUp implements Port.
func (p *NATSPort) FollowUp(ctx context.Context, sessionID, message string) (*Execution, error) {
	var exec Execution
	if err := p.request(ctx, subjectFollowUp, followUpRequest{SessionID: sessionID, Message: message}, &exec); err != nil {
		return nil, fmt.Errorf("follow up session %s: %w", sessionID, err)
	}
	return &exec, nil
}

// Get implements Port.
func (p *NATSPort) Get(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	if err := p.request(ctx, subjectGet, idRequest{ExecutionID: executionID}, &exec); err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// Logs implements Port.
func (p *NATSPort) Logs(ctx context.Context, executionID string) ([]LogEntry, error) {
	var entries []LogEntry
	if err := p.request(ctx, subjectLogs, idRequest{ExecutionID: executionID}, &entries); err != nil {
		return nil, fmt.Errorf("execution logs %s: %w", executionID, err)
	}
	return entries, nil
}

// SubscribeUpdates delivers runtime status updates to handler until the
// returned subscription is drained or ctx is done.
func (p *NATSPort) SubscribeUpdates(ctx context.Context, handler UpdateHandler) (*nats.Subscription, error) {
	subject := p.Subject(subjectUpdates)
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		var update Update
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			p.logger.Warn("Dropping malformed execution update",
				"subject", msg.Subject, "error", err)
			return
		}
		if update.ExecutionID == "" {
			p.logger.Warn("Dropping execution update without id", "subject", msg.Subject)
			return
		}
		handler(ctx, update)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) &&
			!errors.Is(err, nats.ErrBadSubscription) {
			p.logger.Debug("Unsubscribe failed", "subject", subject, "error", err)
		}
	}()

	p.logger.Info("Subscribed to execution updates", "subject", subject)
	return sub, nil
}

func (p *NATSPort) request(ctx context.Context, kind string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg, err := p.conn.RequestWithContext(ctx, p.Subject(kind), data)
	if err != nil {
		return err
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if reply.Error != "" {
		if reply.Code == codeNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, reply.Error)
		}
		return errors.New(reply.Error)
	}
	if out == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("malformed result: %w", err)
	}
	return nil
}
