// Package main provides the semflow binary entry point.
// Semflow orchestrates multi-issue coding workflows: it plans issues into
// dependency-ordered steps, drives an orchestrator agent through MCP tools
// and wakes it when step executions finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/execution"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/tools"
	"github.com/c360studio/semflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow orchestration for coding agents",
		Long: `Semflow turns a set of issues into a dependency-ordered workflow and
hands it to an orchestrator agent.

The orchestrator drives the workflow through MCP tools served by
"semflow mcp". Step executions run in the agent runtime, which semflow
reaches over NATS; "semflow serve" listens for their status updates and
wakes the orchestrator when steps finish.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(serveCmd(flags))
	cmd.AddCommand(mcpCmd(flags))
	cmd.AddCommand(workflowCmd(flags))
	cmd.AddCommand(issueCmd(flags))

	return cmd
}

// newLogger configures slog from a level name and makes it the default.
func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// startApp loads configuration and starts an App in the given mode.
func startApp(ctx context.Context, flags *globalFlags, mode connectMode) (*App, error) {
	logger := newLogger(flags.logLevel)

	loader := config.NewLoader(logger)
	if flags.configPath != "" {
		loader.WithFile(flags.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	app := NewApp(cfg, flags.configPath, logger)
	if err := app.Start(ctx, mode); err != nil {
		app.Shutdown(ctx)
		return nil, err
	}
	return app, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply execution updates and deliver orchestrator wakeups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func serve(ctx context.Context, flags *globalFlags) error {
	app, err := startApp(ctx, flags, modeServe)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if app.cfg.Metrics.Addr != "" {
		exporter := metrics.NewExporter(app.cfg.Metrics.Addr)
		go func() {
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("Metrics exporter stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = exporter.Shutdown(shutdownCtx)
		}()
		app.logger.Info("Serving metrics", "addr", app.cfg.Metrics.Addr)
	}

	_, err = app.natsPort.SubscribeUpdates(signalCtx, func(ctx context.Context, update execution.Update) {
		if err := app.engine.HandleExecutionUpdate(ctx, update); err != nil {
			app.logger.Error("Failed to apply execution update",
				"execution_id", update.ExecutionID, "status", update.Status, "error", err)
		}
	})
	if err != nil {
		return err
	}

	app.resumePending(signalCtx)

	app.logger.Info("Semflow ready",
		"version", Version,
		"database", app.cfg.Database.Path,
		"repo_path", app.cfg.Repo.Path)

	// Block until shutdown signal
	<-signalCtx.Done()
	app.logger.Info("Received shutdown signal")
	return nil
}

func mcpCmd(flags *globalFlags) *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow tools over stdio for an orchestrator agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := startApp(ctx, flags, modeClient)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				app.Shutdown(shutdownCtx)
			}()

			wf, err := app.engine.GetWorkflow(ctx, workflowID)
			if err != nil {
				return err
			}
			if wf == nil {
				return workflow.NewNotFoundError("workflow", workflowID)
			}

			toolset, err := tools.New(tools.Config{
				WorkflowID:           workflowID,
				Engine:               app.engine,
				Snapshots:            app.snapshotter(),
				MaxTrajectoryEntries: app.cfg.Tools.MaxTrajectoryEntries,
				Logger:               app.logger,
			})
			if err != nil {
				return err
			}

			app.logger.Info("Serving workflow tools", "workflow_id", workflowID)
			return mcpserver.ServeStdio(tools.NewServer(toolset, Version))
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Workflow the tools act on")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
