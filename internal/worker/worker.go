// Package worker is the body of a handler process: it runs one queue entry's
// scan in bounded units of work and leaves the entry removed or requeued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/scanq/internal/auth"
	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/queue"
)

// Outcome is how a handler run ended.
type Outcome int

const (
	// OutcomeFinished: the scan completed and the entry was removed.
	OutcomeFinished Outcome = iota
	// OutcomeYielded: budget spent with others waiting; entry requeued.
	OutcomeYielded
	// OutcomeFailed: a unit of work errored; entry requeued.
	OutcomeFailed
	// OutcomeInterrupted: the process was asked to stop; the store is left
	// alone for the dispatch loop to recover.
	OutcomeInterrupted
	// OutcomeCancelled: the entry disappeared before or during the run.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeYielded:
		return "yielded"
	case OutcomeFailed:
		return "failed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Scanner performs one unit of scan work and reports whether the scan is
// still active.
type Scanner interface {
	Step(ctx context.Context, e queue.Entry) (active bool, err error)
}

// Budget is the slice of runtime settings the yield decision reads.
type Budget interface {
	Ceiling() int
	ActiveTime() time.Duration
}

// Handler runs a single entry to one of the outcomes above.
type Handler struct {
	Store   queue.Store
	Scanner Scanner
	Budget  Budget
	// Heartbeat touches the entry after every unit of work.
	Heartbeat bool
	// PID is the handler pid the dispatch loop records for the entry.
	// Defaults to os.Getpid().
	PID    int
	Now    func() time.Time
	Logger *slog.Logger
}

func (h *Handler) Run(ctx context.Context, report string) (Outcome, error) {
	logger := h.logger().With("report", report)
	now := h.Now
	if now == nil {
		now = time.Now
	}

	pid := h.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	entry, err := h.Store.Get(ctx, report)
	if errors.Is(err, queue.ErrEntryNotFound) {
		logger.Info("entry gone before handler started")
		return OutcomeCancelled, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if entry.HasHandler() && entry.HandlerPID != pid {
		logger.Warn("entry held by another handler", "holder", entry.HandlerPID, "pid", pid)
		return OutcomeCancelled, nil
	}

	ctx = auth.WithUser(ctx, auth.User{ID: entry.Owner})
	deadline := now().Add(h.Budget.ActiveTime())
	logger.Info("handler started", "owner", entry.Owner, "start_from", entry.StartFrom.String(), "deadline", deadline)

	for units := 1; ; units++ {
		active, err := h.Scanner.Step(ctx, *entry)
		if ctx.Err() != nil {
			logger.Info("handler interrupted", "units", units)
			return OutcomeInterrupted, nil
		}
		if err != nil {
			logger.Error("scan step failed", "units", units, "error", err)
			if rerr := h.Store.RequeueOwned(ctx, report, pid); rerr != nil {
				if lostEntry(rerr) {
					return OutcomeCancelled, nil
				}
				return OutcomeFailed, errors.Join(err, rerr)
			}
			return OutcomeFailed, err
		}

		if !active {
			err := h.Store.RemoveOwned(ctx, report, pid)
			if lostEntry(err) {
				logger.Info("scan finished after entry was removed", "units", units)
				return OutcomeCancelled, nil
			}
			if err != nil {
				return OutcomeFailed, err
			}
			logger.Info("scan finished", "units", units)
			return OutcomeFinished, nil
		}

		if h.Heartbeat {
			if err := h.Store.Touch(ctx, report, pid); err != nil {
				if lostEntry(err) {
					logger.Info("entry lost while running", "units", units, "error", err)
					return OutcomeCancelled, nil
				}
				logger.Warn("heartbeat failed", "error", err)
			}
		}

		if now().Before(deadline) {
			continue
		}
		yield, length, err := h.underPressure(ctx)
		if err != nil {
			logger.Warn("read queue length", "error", err)
			continue
		}
		if !yield {
			continue
		}
		err = h.Store.RequeueOwned(ctx, report, pid)
		if lostEntry(err) {
			return OutcomeCancelled, nil
		}
		if err != nil {
			return OutcomeFailed, err
		}
		logger.Info("handler yielded", "units", units, "queue_length", length, "ceiling", h.Budget.Ceiling())
		return OutcomeYielded, nil
	}
}

// underPressure reports whether more entries are queued than may run at once.
// An unlimited ceiling is never under pressure.
func (h *Handler) underPressure(ctx context.Context) (bool, int, error) {
	ceiling := h.Budget.Ceiling()
	if ceiling <= 0 {
		return false, 0, nil
	}
	n, err := h.Store.Length(ctx)
	if err != nil {
		return false, 0, err
	}
	return n > ceiling, n, nil
}

// lostEntry reports whether the entry was cancelled or handed to another
// handler; either way this run no longer owns it.
func lostEntry(err error) bool {
	return errors.Is(err, queue.ErrEntryNotFound) || errors.Is(err, queue.ErrNotOwner)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.WithComponent("worker")
}
