package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/scanq/internal/api"
	"github.com/mattjoyce/scanq/internal/auth"
	"github.com/mattjoyce/scanq/internal/backend"
	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/events"
	"github.com/mattjoyce/scanq/internal/launch"
	"github.com/mattjoyce/scanq/internal/lock"
	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/metrics"
	"github.com/mattjoyce/scanq/internal/scheduler"
)

// launchTimeout bounds how long a tick waits for an intermediate to report
// the handler pid.
const launchTimeout = 10 * time.Second

func buildStartCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler and, if enabled, the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("scanqd starting", "version", version, "config", cfg.SourcePath)

	switch err := config.VerifyIntegrity(cfg.SourcePath); {
	case errors.Is(err, config.ErrNoManifest):
		logger.Warn("config is not locked; run 'scanqd config lock' to seal it", "config", cfg.SourcePath)
	case err != nil:
		return fmt.Errorf("config integrity: %w", err)
	}

	pidLock, err := lock.AcquirePIDLock(cfg.PIDLockPath())
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.PIDLockPath(), "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	be, err := backend.Open(ctx, cfg.State)
	if err != nil {
		logger.Error("failed to open state", "driver", cfg.State.Driver, "error", err)
		return err
	}
	defer be.Close()
	logger.Info("state opened", "driver", be.Driver)

	settings := scheduler.SettingsFromConfig(cfg.Scheduler)
	launcher, closeLauncher, err := newLauncher(cfg, settings)
	if err != nil {
		return err
	}
	defer closeLauncher()

	hub := events.NewHub(256)
	mc := metrics.NewCollector()
	sched := scheduler.New(be.Queue, launcher, newChecker(cfg), settings, scheduler.Options{
		TickInterval:   cfg.Service.TickInterval,
		TerminateGrace: cfg.Scheduler.TerminateGrace,
		Events:         hub,
		Metrics:        mc,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		srv := api.New(apiConfig(cfg), api.Deps{
			Store:     be.Queue,
			Catalog:   be.Catalog,
			Canceller: sched,
			Settings:  settings,
			Events:    hub,
			Metrics:   mc.Handler(),
		}, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sched.Start(ctx)
	logger.Info("scanqd running (press Ctrl+C to stop)")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}
	cancel()
	sched.Stop()

	logger.Info("scanqd stopped")
	return runErr
}

// newLauncher builds the configured launcher. Handlers re-execute this
// binary with the same config and receive the settings current at launch.
func newLauncher(cfg *config.Config, settings *scheduler.Settings) (scheduler.Launcher, func(), error) {
	self, err := launch.NewSelfCommand("--config", cfg.SourcePath)
	if err != nil {
		return nil, nil, err
	}
	self.RunFlags = func() []string {
		return []string{
			"--ceiling", strconv.Itoa(settings.Ceiling()),
			"--active-time", settings.ActiveTime().String(),
		}
	}

	if cfg.Scheduler.LaunchMode == config.LaunchSupervised {
		s := launch.NewSupervised(self)
		return s, s.Close, nil
	}
	return launch.NewDetached(self, launchTimeout), func() {}, nil
}

func newChecker(cfg *config.Config) scheduler.Checker {
	if cfg.Scheduler.HeartbeatGrace > 0 {
		return launch.NewHeartbeatChecker(cfg.Scheduler.HeartbeatGrace)
	}
	return launch.SignalChecker{}
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

func buildStatusCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadToolConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			path := cfg.PIDLockPath()
			pid, err := lock.Holder(path)
			if errors.Is(err, lock.ErrNotRunning) {
				fmt.Fprintf(out, "scanqd is not running (lock: %s)\n", path)
				return &exitError{code: 3}
			}
			if err != nil {
				return err
			}
			if !(launch.SignalChecker{}).Alive(cmd.Context(), pid) {
				fmt.Fprintf(out, "scanqd lock held but pid %d is gone (lock: %s)\n", pid, path)
				return &exitError{code: 3}
			}
			fmt.Fprintf(out, "scanqd is running (pid %d, lock: %s)\n", pid, path)
			return nil
		},
	}
}
