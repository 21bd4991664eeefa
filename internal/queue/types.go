package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/scanq/internal/log"
)

// StartFrom is the resume policy a handler applies when it (re)starts a scan.
type StartFrom int

const (
	StartFromBeginning StartFrom = iota
	StartFromStopped
	StartFromStoppedOrBeginning
)

func (s StartFrom) String() string {
	switch s {
	case StartFromBeginning:
		return "beginning"
	case StartFromStopped:
		return "stopped"
	case StartFromStoppedOrBeginning:
		return "stopped_or_beginning"
	default:
		return fmt.Sprintf("StartFrom(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined policies.
func (s StartFrom) Valid() bool {
	return s >= StartFromBeginning && s <= StartFromStoppedOrBeginning
}

// ParseStartFrom accepts the names produced by String. An empty string means
// StartFromBeginning.
func ParseStartFrom(s string) (StartFrom, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "beginning":
		return StartFromBeginning, nil
	case "stopped":
		return StartFromStopped, nil
	case "stopped_or_beginning":
		return StartFromStoppedOrBeginning, nil
	default:
		return 0, fmt.Errorf("unknown start_from %q (want beginning, stopped or stopped_or_beginning)", s)
	}
}

// Entry is one pending or in-flight scan. Task and Owner come from the catalog
// and are empty when the report was never registered there.
type Entry struct {
	Report      string
	Task        string
	Owner       string
	QueuedAt    time.Time
	Seq         int64
	HandlerPID  int
	StartFrom   StartFrom
	HeartbeatAt *time.Time
	Requeues    int
}

// HasHandler reports whether a worker pid is recorded for the entry.
func (e Entry) HasHandler() bool { return e.HandlerPID != 0 }

var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrAlreadyQueued = errors.New("report already queued")
	// ErrNotOwner is returned by the handler-side mutations when the entry
	// is recorded against a different handler pid.
	ErrNotOwner = errors.New("queue entry held by another handler")
)

// AlreadyQueuedError is returned by Enqueue when the report has a row already.
type AlreadyQueuedError struct {
	Report string
}

func (e *AlreadyQueuedError) Error() string {
	return fmt.Sprintf("report %q already queued", e.Report)
}

func (e *AlreadyQueuedError) Is(target error) bool { return target == ErrAlreadyQueued }

// Store is the durable FIFO of scans. Implementations must be safe for use
// from the daemon and from any number of handler processes at once.
type Store interface {
	Enqueue(ctx context.Context, report string, startFrom StartFrom) error
	RequeueToEnd(ctx context.Context, report string) error
	SetHandlerPID(ctx context.Context, report string, pid int) error
	Remove(ctx context.Context, report string) error
	Length(ctx context.Context) (int, error)
	// Iterate yields entries by (queued time, seq) ascending. Only entries
	// present when iteration starts are visited; anything enqueued or
	// requeued during the pass waits for the next one. No cursor is held
	// between pages so callers may mutate the store while ranging.
	Iterate(ctx context.Context) iter.Seq2[Entry, error]
	Clear(ctx context.Context) (int, error)
	Get(ctx context.Context, report string) (*Entry, error)

	// The handler-side mutations apply only while the entry has no recorded
	// handler or is recorded against pid, so a handler that was replaced
	// cannot disturb its successor.
	Touch(ctx context.Context, report string, pid int) error
	RemoveOwned(ctx context.Context, report string, pid int) error
	RequeueOwned(ctx context.Context, report string, pid int) error
}

const defaultPageSize = 64

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	pageSize int
}

// Option configures a Store.
type Option func(*options)

// WithClock overrides the time source used for queued and heartbeat times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPageSize sets how many rows Iterate fetches per round trip.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:      time.Now,
		logger:   log.WithComponent("queue"),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateReport(report string) error {
	if strings.TrimSpace(report) == "" {
		return fmt.Errorf("report is empty")
	}
	return nil
}

// splitTime is how queued times are persisted: whole seconds plus the
// nanosecond remainder.
func splitTime(t time.Time) (int64, int64) {
	return t.Unix(), int64(t.Nanosecond())
}

type scanFunc func(dest ...any) error

type entryRow struct {
	secs, nanos int64
	heartbeatNS sql.NullInt64
	startFrom   int64
}

func scanEntry(scan scanFunc) (Entry, error) {
	var (
		e   Entry
		row entryRow
	)
	if err := scan(
		&e.Report, &row.secs, &row.nanos, &e.Seq, &e.HandlerPID, &row.startFrom,
		&row.heartbeatNS, &e.Requeues, &e.Task, &e.Owner,
	); err != nil {
		return Entry{}, err
	}
	e.QueuedAt = time.Unix(row.secs, row.nanos).UTC()
	e.StartFrom = StartFrom(row.startFrom)
	if row.heartbeatNS.Valid {
		hb := time.Unix(0, row.heartbeatNS.Int64).UTC()
		e.HeartbeatAt = &hb
	}
	return e, nil
}

// pageCursor is the keyset position of the last entry Iterate returned.
type pageCursor struct {
	secs, nanos, seq int64
}

func cursorAfter(e Entry) pageCursor {
	secs, nanos := splitTime(e.QueuedAt)
	return pageCursor{secs: secs, nanos: nanos, seq: e.Seq}
}
