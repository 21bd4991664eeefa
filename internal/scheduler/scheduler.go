// Package scheduler is the dispatch loop: on every tick it walks the queue
// front to back, recovers entries whose handler died, and launches handlers
// for waiting entries until the concurrency ceiling is reached.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/scanq/internal/events"
	"github.com/mattjoyce/scanq/internal/launch"
	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/metrics"
	"github.com/mattjoyce/scanq/internal/queue"
)

const defaultTickInterval = 10 * time.Second

// Options holds the optional collaborators of a Scheduler.
type Options struct {
	TickInterval   time.Duration
	TerminateGrace time.Duration
	Events         *events.Hub
	Metrics        *metrics.Collector
	Logger         *slog.Logger
	// Terminate stops a handler process. Defaults to launch.Terminate with
	// the scheduler's checker and TerminateGrace.
	Terminate func(ctx context.Context, pid int) error
}

// TickResult summarises one dispatch pass.
type TickResult struct {
	Disabled  bool
	Visited   int
	Active    int
	Launched  int
	Requeued  int
	Failed    int
	Saturated bool
}

type Scheduler struct {
	store     queue.Store
	launcher  Launcher
	checker   Checker
	settings  *Settings
	events    *events.Hub
	metrics   *metrics.Collector
	terminate func(ctx context.Context, pid int) error
	interval  time.Duration
	logger    *slog.Logger

	tickMu   sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store queue.Store, l Launcher, p Checker, settings *Settings, opts Options) *Scheduler {
	s := &Scheduler{
		store:    store,
		launcher: l,
		checker:  p,
		settings: settings,
		events:   opts.Events,
		metrics:  opts.Metrics,
		interval: opts.TickInterval,
		logger:   opts.Logger,
		stopCh:   make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = defaultTickInterval
	}
	if s.logger == nil {
		s.logger = log.WithComponent("scheduler")
	} else {
		s.logger = s.logger.With("component", "scheduler")
	}
	s.terminate = opts.Terminate
	if s.terminate == nil {
		grace := opts.TerminateGrace
		s.terminate = func(ctx context.Context, pid int) error {
			return launch.Terminate(ctx, p, pid, grace)
		}
	}
	return s
}

// Settings returns the shared runtime settings.
func (s *Scheduler) Settings() *Settings { return s.settings }

// Start runs one tick immediately and then one per interval until Stop is
// called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "tick_interval", s.interval, "ceiling", s.settings.Ceiling(), "enabled", s.settings.Enabled())
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop ends the tick loop and waits for it and for any background
// terminations.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.runTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("dispatch tick failed", "error", err)
	}
}

// Tick is one dispatch pass. Admission is strictly in queue order: once the
// ceiling is reached nothing further back is touched, even entries that
// could run. Errors on a single entry are logged and the pass continues; only
// a failure to read the queue aborts it.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var res TickResult
	if !s.settings.Enabled() {
		res.Disabled = true
		s.logger.Debug("queue disabled, tick skipped")
		return res, nil
	}

	start := time.Now()
	ceiling := s.settings.Ceiling()
	for e, err := range s.store.Iterate(ctx) {
		if err != nil {
			s.metrics.RecordTickError()
			return res, fmt.Errorf("dispatch tick: %w", err)
		}
		if ceiling > 0 && res.Active >= ceiling {
			res.Saturated = true
			break
		}
		res.Visited++
		if e.HasHandler() {
			s.reconcile(ctx, e, &res)
		} else {
			s.dispatch(ctx, e, &res)
		}
	}

	elapsed := time.Since(start)
	if n, err := s.store.Length(ctx); err == nil {
		s.metrics.SetQueueLength(n)
	}
	s.metrics.RecordTick(elapsed, res.Active, res.Saturated)
	s.events.Publish(events.SchedulerTick, events.Tick{
		Visited:   res.Visited,
		Active:    res.Active,
		Launched:  res.Launched,
		Requeued:  res.Requeued,
		Saturated: res.Saturated,
		Millis:    elapsed.Milliseconds(),
	})
	s.logger.Debug("tick complete",
		"visited", res.Visited,
		"active", res.Active,
		"launched", res.Launched,
		"requeued", res.Requeued,
		"saturated", res.Saturated,
	)
	return res, nil
}

// reconcile handles an entry that already has a handler pid.
func (s *Scheduler) reconcile(ctx context.Context, e queue.Entry, res *TickResult) {
	logger := s.logger.With("report", e.Report, "pid", e.HandlerPID)
	switch launch.Classify(ctx, s.checker, e) {
	case launch.LivenessAlive:
		res.Active++
		return
	case launch.LivenessUnresponsive:
		// The entry may only move once its handler can no longer write to it.
		logger.Warn("handler stopped heartbeating, terminating", "heartbeat_at", e.HeartbeatAt)
		if err := s.terminate(ctx, e.HandlerPID); err != nil {
			logger.Error("terminate unresponsive handler", "error", err)
			res.Active++
			return
		}
	}

	if err := s.store.RequeueToEnd(ctx, e.Report); err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			logger.Debug("stale entry already gone")
			return
		}
		logger.Error("requeue stale entry", "error", err)
		return
	}
	res.Requeued++
	logger.Info("handler gone, entry requeued")
	s.metrics.RecordRequeue(metrics.ReasonStale)
	s.events.Publish(events.ScanRequeued, events.Scan{Report: e.Report, PID: e.HandlerPID, Reason: metrics.ReasonStale})
}

// dispatch launches a handler for a waiting entry.
func (s *Scheduler) dispatch(ctx context.Context, e queue.Entry, res *TickResult) {
	logger := s.logger.With("report", e.Report)

	pid, err := s.launcher.Launch(ctx, e)
	if err == nil && pid <= 0 {
		err = fmt.Errorf("launcher returned pid %d", pid)
	}
	if err != nil {
		res.Failed++
		logger.Warn("launch failed, entry requeued", "error", err)
		s.metrics.RecordLaunchFailure()
		s.events.Publish(events.ScanLaunchFailed, events.Scan{Report: e.Report, Error: err.Error()})
		if rerr := s.store.RequeueToEnd(ctx, e.Report); rerr != nil {
			if !errors.Is(rerr, queue.ErrEntryNotFound) {
				logger.Error("requeue after failed launch", "error", rerr)
			}
			return
		}
		res.Requeued++
		s.metrics.RecordRequeue(metrics.ReasonLaunchFailed)
		return
	}

	logger = logger.With("pid", pid)
	if err := s.store.SetHandlerPID(ctx, e.Report, pid); err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			// Cancelled while launching: the handler has nothing to run.
			logger.Info("entry removed during launch, terminating handler")
			s.terminateAsync(pid, logger)
			return
		}
		// The handler is running; count it and let the next tick reconcile.
		logger.Error("record handler pid", "error", err)
	}
	res.Active++
	res.Launched++
	logger.Info("handler launched")
	s.metrics.RecordLaunch()
	s.events.Publish(events.ScanLaunched, events.Scan{Report: e.Report, PID: pid})
}

func (s *Scheduler) terminateAsync(pid int, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.terminate(context.Background(), pid); err != nil {
			logger.Warn("terminate orphaned handler", "error", err)
		}
	}()
}

// Cancel removes the entry and, if its handler is still running, stops it.
// The entry is removed first so a concurrent tick cannot relaunch it.
func (s *Scheduler) Cancel(ctx context.Context, report string) (*queue.Entry, error) {
	e, err := s.store.Get(ctx, report)
	if err != nil {
		return nil, err
	}
	if err := s.store.Remove(ctx, report); err != nil {
		return nil, err
	}

	logger := s.logger.With("report", report)
	s.metrics.RecordCancel()
	s.events.Publish(events.ScanCancelled, events.Scan{Report: report, PID: e.HandlerPID})

	if e.HasHandler() && s.checker.Alive(ctx, e.HandlerPID) {
		logger.Info("terminating handler of cancelled entry", "pid", e.HandlerPID)
		if err := s.terminate(ctx, e.HandlerPID); err != nil {
			return e, fmt.Errorf("terminate handler %d: %w", e.HandlerPID, err)
		}
	}
	logger.Info("entry cancelled")
	return e, nil
}
