// Package main provides the CLI entry point for the Loom agent mesh.
//
// Loom runs a graph of LLM agents declared in system.json: each node is
// an agent with its own prompt and provider, each edge a messaging
// permission. A websocket gateway streams agent activity to UI clients
// and accepts user messages and graph updates.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Configuration can also come from environment variables:
//
//   - LOOM_LISTEN: HTTP listen address (default :8787)
//   - LOOM_DATA_DIR: State directory for the graph, journal, and archive
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weftworks/loom/internal/archive"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/gateway"
	"github.com/weftworks/loom/internal/journal"
	"github.com/weftworks/loom/internal/runtime"
	"github.com/weftworks/loom/internal/scheduler"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "loom",
		Short:        "Loom - graph-configured multi-agent runtime",
		Long:         "Loom runs a declared graph of LLM agents with tools, inter-agent\nmessaging, scheduled prompts, and a websocket gateway for UI clients.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent mesh server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), settings)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "loom.yaml", "Path to settings file")
	return cmd
}

func runServe(ctx context.Context, settings config.Settings) error {
	log := slog.Default()

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	arch, err := archive.Open(filepath.Join(settings.DataDir, "loom.db"))
	if err != nil {
		return err
	}
	defer arch.Close()

	jrnl := journal.New(settings.DataDir)
	hub := gateway.NewHub(log)
	ctrl := runtime.NewController(settings, arch, jrnl, hub.Broadcast, log)

	graph, err := config.LoadGraph(settings.GraphPath)
	if err != nil {
		return err
	}
	if err := ctrl.Reload(ctx, graph); err != nil {
		return err
	}

	// The scheduler is rebuilt from scratch on every graph swap so
	// stale cron entries never fire into the new assembly.
	var schedMu sync.Mutex
	var sched *scheduler.Scheduler
	rebuildScheduler := func() {
		schedMu.Lock()
		defer schedMu.Unlock()
		if sched != nil {
			sched.Stop()
		}
		sched = scheduler.New(scheduler.Options{
			Deliver:            ctrl.DeliverInternal,
			Reflect:            ctrl.ReflectAll,
			ReflectionInterval: settings.ReflectionInterval,
			ActiveHoursStart:   settings.ActiveHoursStart,
			ActiveHoursEnd:     settings.ActiveHoursEnd,
			Logger:             log,
		})
		jobs := make([]scheduler.Job, 0)
		for _, j := range ctrl.CronJobs() {
			jobs = append(jobs, scheduler.Job{AgentID: j.AgentID, Expression: j.Expression, Prompt: j.Prompt})
		}
		sched.Load(jobs)
		sched.Start()
	}
	rebuildScheduler()

	srv := gateway.NewServer(settings, ctrl, hub, arch, log)
	srv.OnReload = rebuildScheduler

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.ListenAndServe(ctx)

	schedMu.Lock()
	if sched != nil {
		sched.Stop()
	}
	schedMu.Unlock()
	ctrl.Shutdown()

	if err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
