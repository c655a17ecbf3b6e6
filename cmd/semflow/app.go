package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/semflow/changes"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/eventbus"
	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/wakeup"
	"github.com/c360studio/semflow/workflow"
)

const defaultNATSURL = "nats://localhost:4222"

// errRuntimeOffline is returned by the offline port.
var errRuntimeOffline = errors.New("agent runtime is not connected")

// connectMode selects how much infrastructure an App brings up.
type connectMode int

const (
	// modeOffline opens only the database. Runtime calls fail.
	modeOffline connectMode = iota
	// modeClient connects to an external NATS server.
	modeClient
	// modeServe may start an embedded NATS server.
	modeServe
)

// App wires the store, runtime port, wakeup service and engine.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	natsConn       *nats.Conn
	natsPort       *execution.NATSPort

	store     *storage.Store
	port      execution.Port
	waker     *wakeup.Service
	engine    *engine.Engine
	publisher *eventbus.Publisher
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, configPath string, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, configPath: configPath, logger: logger}
}

// Start initializes the components needed for mode.
func (a *App) Start(ctx context.Context, mode connectMode) error {
	if mode != modeOffline {
		if err := a.startNATS(ctx, mode == modeServe); err != nil {
			return err
		}
	}

	opts := []storage.Option{storage.WithLogger(a.logger)}
	if a.natsClient != nil && !a.cfg.NATS.DisableEvents {
		a.publisher = eventbus.NewPublisher(a.natsClient, a.logger, eventbus.WithPrefix(a.cfg.NATS.EventPrefix))
		opts = append(opts, storage.WithEventHook(a.publisher.Hook()))
	}

	store, err := storage.Open(ctx, a.cfg.Database.Path, opts...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store

	if a.natsConn != nil {
		a.natsPort = execution.NewNATSPort(a.natsConn, execution.NATSConfig{
			Prefix:         a.cfg.NATS.ExecutionPrefix,
			RequestTimeout: a.cfg.NATS.RequestTimeout,
		}, a.logger)
		a.port = a.natsPort
	} else {
		a.port = offlinePort{}
	}

	a.waker = wakeup.New(store, a.port, store, wakeup.Config{
		Window:          a.cfg.Wakeup.Window,
		DeliveryTimeout: a.cfg.Wakeup.DeliveryTimeout,
	}, a.logger)

	eng, err := engine.New(engine.Dependencies{
		Store:  store,
		Issues: store,
		Port:   a.port,
		Waker:  a.waker,
		Logger: a.logger,
	}, a.engineOptions())
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	a.engine = eng
	return nil
}

func (a *App) engineOptions() engine.Options {
	args := a.cfg.Orchestrator.ToolArgs
	if len(args) == 0 && a.configPath != "" {
		// The tool server must read the same database as this process.
		if abs, err := filepath.Abs(a.configPath); err == nil {
			args = []string{"--config", abs}
		}
	}
	return engine.Options{
		DefaultAgentType:      a.cfg.Defaults.AgentType,
		OrchestratorAgentType: a.cfg.Orchestrator.AgentType,
		OrchestratorModel:     a.cfg.Orchestrator.Model,
		BaseBranch:            a.cfg.Defaults.BaseBranch,
		ToolServer: engine.ToolServer{
			Name:    appName,
			Command: a.cfg.Orchestrator.ToolCommand,
			Args:    args,
		},
	}
}

// snapshotter returns the change snapshotter rooted at the repository.
func (a *App) snapshotter() changes.Snapshotter {
	return changes.NewGitSnapshotter(a.cfg.Repo.Path, a.logger)
}

// workflowConfig returns the configured defaults for new workflows.
func (a *App) workflowConfig() workflow.Config {
	return a.cfg.WorkflowConfig()
}

func (a *App) startNATS(ctx context.Context, allowEmbedded bool) error {
	url := a.cfg.NATS.URL
	if url == "" && allowEmbedded && a.cfg.NATS.Embedded {
		// Start embedded NATS server
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      server.DEFAULT_PORT, // where clients look when nats.url is unset
			JetStream: false,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		// Wait for server to be ready
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns
		url = ns.ClientURL()
		a.logger.Info("Embedded NATS server ready", "url", url)
	}
	if url == "" {
		url = defaultNATSURL
	}

	client, err := connectToNATS(ctx, url, a.logger)
	if err != nil {
		a.stopEmbedded()
		return err
	}
	a.natsClient = client
	a.natsConn = client.GetConnection()
	return nil
}

func connectToNATS(ctx context.Context, natsURLs string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", natsURLs)

	client, err := natsclient.NewClient(natsURLs,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	logger.Info("Connected to NATS", "url", natsURLs)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start "semflow serve" with an embedded server, or set NATS_URL to point
to the server your agent runtime uses.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// resumePending delivers wakeups that were left unsent when a previous
// process exited.
func (a *App) resumePending(ctx context.Context) {
	running, err := a.engine.ListWorkflows(ctx, workflow.StatusRunning)
	if err != nil {
		a.logger.Warn("Failed to list running workflows", "error", err)
		return
	}
	for _, wf := range running {
		pending, err := a.waker.GetUnprocessedEvents(ctx, wf.ID)
		if err != nil || len(pending) == 0 {
			continue
		}
		if _, err := a.waker.TriggerWakeup(ctx, wf.ID); err != nil {
			a.logger.Warn("Failed to deliver pending wakeup", "workflow_id", wf.ID, "error", err)
		}
	}
}

// Shutdown delivers pending wakeups and stops all components.
func (a *App) Shutdown(ctx context.Context) {
	if a.waker != nil {
		if err := a.waker.Flush(ctx); err != nil {
			a.logger.Warn("Failed to flush pending wakeups", "error", err)
		}
		a.waker.Close()
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close database", "error", err)
		}
	}

	if a.natsClient != nil {
		if err := a.natsClient.Close(ctx); err != nil {
			a.logger.Debug("NATS close", "error", err)
		}
	}

	a.stopEmbedded()
}

func (a *App) stopEmbedded() {
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
		a.embeddedServer = nil
	}
}

// offlinePort stands in for the runtime when no NATS connection is needed.
type offlinePort struct{}

func (offlinePort) Start(context.Context, execution.StartRequest) (*execution.Execution, error) {
	return nil, errRuntimeOffline
}

func (offlinePort) Cancel(context.Context, string) error {
	return errRuntimeOffline
}

func (offlinePort) FollowUp(context.Context, string, string) (*execution.Execution, error) {
	return nil, errRuntimeOffline
}

func (offlinePort) Get(context.Context, string) (*execution.Execution, error) {
	return nil, errRuntimeOffline
}

func (offlinePort) Logs(context.Context, string) ([]execution.LogEntry, error) {
	return nil, errRuntimeOffline
}
