package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/scanq/internal/api"
	"github.com/mattjoyce/scanq/internal/backend"
	"github.com/mattjoyce/scanq/internal/catalog"
	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/lock"
	"github.com/mattjoyce/scanq/internal/queue"
	"github.com/mattjoyce/scanq/internal/scheduler"
	"github.com/mattjoyce/scanq/internal/tui/watch"
)

func buildQueueCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and change the scan queue",
	}
	cmd.AddCommand(
		buildQueueEnqueueCommand(opts),
		buildQueueListCommand(opts),
		buildQueueLengthCommand(opts),
		buildQueueRemoveCommand(opts),
		buildQueueRequeueCommand(opts),
		buildQueueCancelCommand(opts),
		buildQueueClearCommand(opts),
		buildQueueTickCommand(opts),
		buildQueueWatchCommand(opts),
	)
	return cmd
}

// withBackend loads the config, opens the state and runs fn against it.
func (o *cliOptions) withBackend(cmd *cobra.Command, fn func(cfg *config.Config, be *backend.Backend) error) error {
	cfg, err := o.loadToolConfig(cmd)
	if err != nil {
		return err
	}
	be, err := backend.Open(cmd.Context(), cfg.State)
	if err != nil {
		return err
	}
	defer be.Close()
	return fn(cfg, be)
}

func buildQueueEnqueueCommand(opts *cliOptions) *cobra.Command {
	var task, owner, startFrom string
	cmd := &cobra.Command{
		Use:   "enqueue [report]",
		Short: "Append a report to the back of the queue (a UUID is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := queue.ParseStartFrom(startFrom)
			if err != nil {
				return err
			}
			report := uuid.NewString()
			if len(args) == 1 {
				report = args[0]
			}
			return opts.withBackend(cmd, func(_ *config.Config, be *backend.Backend) error {
				ctx := cmd.Context()
				if err := catalog.Register(ctx, be.Catalog, report, task, owner); err != nil {
					return err
				}
				if err := be.Queue.Enqueue(ctx, report, from); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Task the report belongs to (registered in the catalog)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner the scan runs as")
	cmd.Flags().StringVar(&startFrom, "start-from", "beginning", "beginning, stopped or stopped_or_beginning")
	return cmd
}

func buildQueueListCommand(opts *cliOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries front to back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackend(cmd, func(_ *config.Config, be *backend.Backend) error {
				var entries []api.Entry
				for e, err := range be.Queue.Iterate(cmd.Context()) {
					if err != nil {
						return err
					}
					entries = append(entries, api.Entry{
						Report:      e.Report,
						Task:        e.Task,
						Owner:       e.Owner,
						QueuedAt:    e.QueuedAt,
						Seq:         e.Seq,
						HandlerPID:  e.HandlerPID,
						StartFrom:   e.StartFrom.String(),
						HeartbeatAt: e.HeartbeatAt,
						Requeues:    e.Requeues,
					})
				}

				out := cmd.OutOrStdout()
				if jsonOut {
					if entries == nil {
						entries = []api.Entry{}
					}
					data, err := json.MarshalIndent(entries, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "POS\tREPORT\tOWNER\tPID\tQUEUED\tREQUEUES")
				for i, e := range entries {
					pid := "-"
					if e.HandlerPID != 0 {
						pid = strconv.Itoa(e.HandlerPID)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
						i+1, e.Report, dash(e.Owner), pid, e.QueuedAt.Local().Format(time.DateTime), e.Requeues)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func buildQueueLengthCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "length",
		Short: "Print the number of queued entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackend(cmd, func(_ *config.Config, be *backend.Backend) error {
				n, err := be.Queue.Length(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func buildQueueRemoveCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <report>",
		Short: "Delete an entry without touching its handler (see cancel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(_ *config.Config, be *backend.Backend) error {
				return be.Queue.Remove(cmd.Context(), args[0])
			})
		},
	}
}

func buildQueueRequeueCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <report>",
		Short: "Move an entry to the back of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(_ *config.Config, be *backend.Backend) error {
				return be.Queue.RequeueToEnd(cmd.Context(), args[0])
			})
		},
	}
}

func buildQueueCancelCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <report>",
		Short: "Remove an entry and stop its handler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(cfg *config.Config, be *backend.Backend) error {
				// Cancel never launches, so no launcher is needed.
				sched := scheduler.New(be.Queue, nil, newChecker(cfg), scheduler.SettingsFromConfig(cfg.Scheduler), scheduler.Options{
					TerminateGrace: cfg.Scheduler.TerminateGrace,
				})
				e, err := sched.Cancel(cmd.Context(), args[0])
				if e != nil && e.HandlerPID != 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s (handler pid %d)\n", args[0], e.HandlerPID)
				} else if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				}
				return err
			})
		},
	}
}

func buildQueueClearCommand(opts *cliOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear the queue without --yes")
			}
			return opts.withBackend(cmd, func(_ *config.Config, be *backend.Backend) error {
				n, err := be.Queue.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm")
	return cmd
}

func buildQueueTickCommand(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBackend(cmd, func(cfg *config.Config, be *backend.Backend) error {
				// Two dispatchers could both launch the same waiting entry.
				if pid, err := lock.Holder(cfg.PIDLockPath()); err == nil && !force {
					return fmt.Errorf("scanqd is running (pid %d) and ticks on its own; use --force to tick anyway", pid)
				}
				settings := scheduler.SettingsFromConfig(cfg.Scheduler)
				launcher, closeLauncher, err := newLauncher(cfg, settings)
				if err != nil {
					return err
				}
				defer closeLauncher()

				sched := scheduler.New(be.Queue, launcher, newChecker(cfg), settings, scheduler.Options{
					TerminateGrace: cfg.Scheduler.TerminateGrace,
				})
				res, err := sched.Tick(cmd.Context())
				if err != nil {
					return err
				}
				// Waits for any termination of an entry cancelled mid-launch.
				sched.Stop()

				if res.Disabled {
					fmt.Fprintln(cmd.OutOrStdout(), "queue is disabled; nothing done")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "visited %d, active %d, launched %d, requeued %d, failed %d, saturated %t\n",
					res.Visited, res.Active, res.Launched, res.Requeued, res.Failed, res.Saturated)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Tick even while the daemon is running")
	return cmd
}

func buildQueueWatchCommand(opts *cliOptions) *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of the queue over the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiURL == "" || token == "" {
				cfg, err := opts.loadToolConfig(cmd)
				if err != nil {
					return err
				}
				if apiURL == "" {
					apiURL = "http://" + cfg.API.Listen
				}
				if token == "" {
					token = cfg.API.Auth.APIKey
				}
			}
			if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
				apiURL = "http://" + apiURL
			}
			_, err := tea.NewProgram(watch.New(apiURL, token), tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "Admin API base URL (default: http://<api.listen>)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default: api.auth.api_key)")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
