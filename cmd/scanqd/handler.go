package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/scanq/internal/backend"
	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/launch"
	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/scheduler"
	"github.com/mattjoyce/scanq/internal/worker"
)

func buildHandlerCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "handler",
		Short:  "Handler process entry points (started by the daemon)",
		Hidden: true,
	}
	cmd.AddCommand(buildHandlerSpawnCommand(opts), buildHandlerRunCommand(opts))
	return cmd
}

// buildHandlerSpawnCommand is the intermediate of the double fork. The
// arguments after "--" are the handler's own command line.
func buildHandlerSpawnCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:  "spawn -- <handler args>",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := launch.OpenPIDPipe()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				_ = pipe.Close()
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				_ = pipe.Close()
				return fmt.Errorf("resolve executable: %w", err)
			}
			out, err := openHandlerLog(cfg.Scheduler.HandlerLog)
			if err != nil {
				_ = pipe.Close()
				return err
			}
			defer out.Close()

			child := exec.Command(exe, args...)
			child.Stdout = out
			child.Stderr = out
			return launch.SpawnGrandchild(pipe, child)
		},
	}
}

func openHandlerLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open handler log: %w", err)
	}
	return f, nil
}

type handlerRunFlags struct {
	report     string
	ceiling    int
	activeTime time.Duration
}

// buildHandlerRunCommand is the handler process. It opens its own connection
// to the state, runs the entry and exits; the dispatch loop learns the
// outcome from the store.
func buildHandlerRunCommand(opts *cliOptions) *cobra.Command {
	f := &handlerRunFlags{}
	cmd := &cobra.Command{
		Use:  "run --report <report>",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel)
			logger := log.WithComponent("handler").With("report", f.report, "pid", os.Getpid())

			budget, err := handlerBudget(cmd, cfg, f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			be, err := backend.Open(ctx, cfg.State)
			if err != nil {
				logger.Error("failed to open state", "error", err)
				return err
			}
			defer be.Close()

			h := &worker.Handler{
				Store:     be.Queue,
				Scanner:   worker.NewStubScanner(cfg.Scheduler.WorkUnit, cfg.Scheduler.ContinueProbability, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))),
				Budget:    budget,
				Heartbeat: cfg.Scheduler.HeartbeatGrace > 0,
				Logger:    logger,
			}
			outcome, err := h.Run(ctx, f.report)
			logger.Info("handler exiting", "outcome", outcome.String())
			if outcome == worker.OutcomeFailed {
				if err == nil {
					err = errors.New("scan failed")
				}
				return &exitError{code: 1, err: err}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&f.report, "report", "", "Report to run")
	cmd.Flags().IntVar(&f.ceiling, "ceiling", 0, "Concurrency ceiling at launch time (default: from config)")
	cmd.Flags().DurationVar(&f.activeTime, "active-time", 0, "Active time budget at launch time (default: from config)")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

// handlerBudget prefers the settings the daemon passed at launch, which may
// have been changed at runtime, over the config file.
func handlerBudget(cmd *cobra.Command, cfg *config.Config, f *handlerRunFlags) (*scheduler.Settings, error) {
	ceiling := cfg.Scheduler.Ceiling()
	if cmd.Flags().Changed("ceiling") {
		ceiling = f.ceiling
	}
	activeTime := cfg.Scheduler.ActiveTime
	if cmd.Flags().Changed("active-time") {
		activeTime = f.activeTime
	}
	return scheduler.NewSettings(cfg.Scheduler.IsEnabled(), ceiling, activeTime)
}
