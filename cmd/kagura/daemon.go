package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kagura/internal/adapter"
	"github.com/harunnryd/kagura/internal/config"
	"github.com/harunnryd/kagura/internal/controlplane"
	"github.com/harunnryd/kagura/internal/daemon"
	"github.com/harunnryd/kagura/internal/fastpath"
	"github.com/harunnryd/kagura/internal/orchestrator"
	"github.com/harunnryd/kagura/internal/ratelimit"
	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/sandbox"
	"github.com/harunnryd/kagura/internal/scheduler"
	"github.com/harunnryd/kagura/internal/snapshot"
	"github.com/harunnryd/kagura/internal/task"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start Kagura as a long-running service",
	Long:  `Starts the control-plane watcher, task scheduler, and sandbox orchestrator under component lifecycle management.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		persister, err := registry.NewFilePersister(cfg.Registry.StatePath)
		if err != nil {
			return fmt.Errorf("registry persister: %w", err)
		}
		tenants := registry.NewStore(cfg.Registry.MainFolder, persister)

		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("load scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
		}
		tasks, err := task.NewStore(cfg.Scheduler.TaskStorePath, cfg.Scheduler.RunLogPath, loc)
		if err != nil {
			return fmt.Errorf("task store: %w", err)
		}

		sender := buildSender(cfg)
		spacing, err := config.DurationOrDefault(cfg.RateLimit.MinEditSpacing, config.DefaultRateLimitMinEditSpacing)
		if err != nil {
			return err
		}
		consolidator := ratelimit.NewConsolidator(sender, spacing)

		dispatcher := controlplane.NewDispatcher(tenants, tasks, sender, nil)

		debounce, err := config.DurationOrDefault(cfg.ControlPlane.DebounceWindow, config.DefaultControlPlaneDebounce)
		if err != nil {
			return err
		}
		watcher := controlplane.NewWatcher(controlplane.WatcherConfig{
			BaseDir:        cfg.ControlPlane.BaseDir,
			Debounce:       debounce,
			PollMultiplier: cfg.ControlPlane.PollMultiplier,
		}, dispatcher, tenants)

		sandboxTimeout, err := config.DurationOrDefault(cfg.Sandbox.Timeout, config.DefaultSandboxTimeout)
		if err != nil {
			return err
		}
		stopGrace, err := config.DurationOrDefault(cfg.Sandbox.StopGrace, config.DefaultSandboxStopGrace)
		if err != nil {
			return err
		}
		runner, err := sandbox.NewRunner(sandbox.Config{
			Image:          cfg.Sandbox.Image,
			MemoryMB:       cfg.Sandbox.MemoryMB,
			NetworkMode:    cfg.Sandbox.NetworkMode,
			AgentCommand:   cfg.Sandbox.AgentCommand,
			Timeout:        sandboxTimeout,
			StopGrace:      stopGrace,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
			WorkdirBase:    cfg.Sandbox.WorkdirBase,
			ExtraEnv:       cfg.Sandbox.ExtraEnv,
		})
		if err != nil {
			return fmt.Errorf("sandbox runner: %w", err)
		}
		runner.SetSnapshotter(snapshot.NewWriter(tenants, tasks))

		toolset := fastpath.NewToolset(tenants, dispatcher, cfg.Sandbox.WorkdirBase)
		model := fastpath.NewAnthropicModel(cfg.FastPath.APIKey)
		fp := fastpath.NewExecutor(model, toolset, fastpath.ExecutorConfig{
			Model:     cfg.FastPath.Model,
			MaxTokens: cfg.FastPath.MaxTokens,
			MaxTurns:  cfg.FastPath.MaxTurns,
		})

		retryBackoff, err := config.DurationOrDefault(cfg.Orchestrator.RetryBackoff, config.DefaultOrchestratorRetryBackoff)
		if err != nil {
			return err
		}
		maintenance := orchestrator.NewFileMaintenance(cfg.Orchestrator.MaintenanceFile)
		orch := orchestrator.NewManager(tenants, runner, fp, consolidator, maintenance,
			orchestrator.Config{RetryBackoff: retryBackoff})

		tickInterval, err := config.DurationOrDefault(cfg.Scheduler.TickInterval, config.DefaultSchedulerTickInterval)
		if err != nil {
			return err
		}
		schedShutdown, err := config.DurationOrDefault(cfg.Scheduler.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
		if err != nil {
			return err
		}
		sched := scheduler.New(tasks, tenants, orch, scheduler.Config{
			TickInterval:    tickInterval,
			ShutdownTimeout: schedShutdown,
		})

		daemonShutdown, err := config.DurationOrDefault(cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
		if err != nil {
			return err
		}
		healthInterval, err := config.DurationOrDefault(cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
		if err != nil {
			return err
		}

		evictInterval, err := config.DurationOrDefault(cfg.RateLimit.EvictionInterval, config.DefaultRateLimitEvictionInterval)
		if err != nil {
			return err
		}
		evictMaxAge, err := config.DurationOrDefault(cfg.RateLimit.EvictionMaxAge, config.DefaultRateLimitEvictionMaxAge)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		consolidator.StartEviction(ctx, evictInterval, evictMaxAge)

		dmn := daemon.New(daemon.Config{
			ShutdownTimeout:     daemonShutdown,
			HealthCheckInterval: healthInterval,
		})
		dmn.AddComponent(registry.NewComponent(tenants))
		dmn.AddComponent(adapter.NewComponent(sender))
		dmn.AddComponent(watcher)
		dmn.AddComponent(sched)

		slog.Info("Kagura daemon starting up...")
		if err := dmn.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kagura daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kagura daemon stopped gracefully")
		return nil
	},
}

// buildSender picks the configured chat adapter, preferring telegram, and
// falls back to the console adapter for local runs.
func buildSender(cfg *config.Config) adapter.OutputAdapter {
	if cfg.Adapters.Telegram.Token != "" {
		return adapter.NewTelegramAdapter(cfg.Adapters.Telegram.Token)
	}
	if cfg.Adapters.Slack.BotToken != "" {
		return adapter.NewSlackAdapter(cfg.Adapters.Slack.BotToken)
	}
	slog.Warn("No chat adapter configured, falling back to console output")
	return adapter.NewConsoleAdapter()
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
