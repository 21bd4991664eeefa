package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
)

// SQLiteStore is the Store backed by a database/sql handle on a SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite wraps db, which must already carry the scan_queue schema.
func NewSQLite(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: buildOptions(opts)}
}

const sqliteNextSeq = `(SELECT COALESCE(MAX(seq), 0) + 1 FROM scan_queue)`

const sqliteSelectEntry = `
SELECT q.report, q.queued_time_seconds, q.queued_time_nanoseconds, q.seq, q.handler_pid,
       q.start_from, q.heartbeat_ns, q.requeues, COALESCE(r.task, ''), COALESCE(t.owner, '')
FROM scan_queue q
LEFT JOIN reports r ON r.id = q.report
LEFT JOIN tasks t ON t.id = r.task`

func (s *SQLiteStore) Enqueue(ctx context.Context, report string, startFrom StartFrom) error {
	if err := validateReport(report); err != nil {
		return err
	}
	if !startFrom.Valid() {
		return fmt.Errorf("enqueue %q: invalid start_from %d", report, int(startFrom))
	}
	secs, nanos := splitTime(s.opts.now())

	res, err := s.db.ExecContext(ctx, `
INSERT INTO scan_queue(report, queued_time_seconds, queued_time_nanoseconds, seq, handler_pid, start_from)
VALUES(?, ?, ?, `+sqliteNextSeq+`, 0, ?)
ON CONFLICT(report) DO NOTHING;
`, report, secs, nanos, int(startFrom))
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", report, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", report, err)
	}
	if n == 0 {
		return &AlreadyQueuedError{Report: report}
	}
	s.opts.logger.Debug("entry enqueued", "report", report, "start_from", startFrom.String())
	return nil
}

func (s *SQLiteStore) RequeueToEnd(ctx context.Context, report string) error {
	res, err := s.requeue(ctx, report, "")
	if err != nil {
		return fmt.Errorf("requeue entry %q: %w", report, err)
	}
	return requireOneRow(res, "requeue entry", report)
}

func (s *SQLiteStore) RequeueOwned(ctx context.Context, report string, pid int) error {
	res, err := s.requeue(ctx, report, sqliteOwned, pid)
	if err != nil {
		return fmt.Errorf("requeue entry %q: %w", report, err)
	}
	return s.requireOwnedRow(ctx, res, "requeue entry", report)
}

func (s *SQLiteStore) requeue(ctx context.Context, report, guard string, args ...any) (sql.Result, error) {
	secs, nanos := splitTime(s.opts.now())
	return s.db.ExecContext(ctx, `
UPDATE scan_queue
SET queued_time_seconds = ?, queued_time_nanoseconds = ?, seq = `+sqliteNextSeq+`,
    handler_pid = 0, heartbeat_ns = NULL, requeues = requeues + 1
WHERE report = ?`+guard+`;
`, append([]any{secs, nanos, report}, args...)...)
}

// sqliteOwned restricts a statement to rows free or held by the bound pid.
const sqliteOwned = ` AND handler_pid IN (0, ?)`

func (s *SQLiteStore) SetHandlerPID(ctx context.Context, report string, pid int) error {
	// The heartbeat starts at launch so a fresh worker is not judged stale
	// before its first unit of work.
	now := s.opts.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE scan_queue SET handler_pid = ?, heartbeat_ns = ? WHERE report = ?;
`, pid, now, report)
	if err != nil {
		return fmt.Errorf("set handler pid %q: %w", report, err)
	}
	return requireOneRow(res, "set handler pid", report)
}

func (s *SQLiteStore) Touch(ctx context.Context, report string, pid int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scan_queue SET heartbeat_ns = ? WHERE report = ?`+sqliteOwned+`;
`, s.opts.now().UnixNano(), report, pid)
	if err != nil {
		return fmt.Errorf("touch entry %q: %w", report, err)
	}
	return s.requireOwnedRow(ctx, res, "touch entry", report)
}

func (s *SQLiteStore) Remove(ctx context.Context, report string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_queue WHERE report = ?;`, report)
	if err != nil {
		return fmt.Errorf("remove entry %q: %w", report, err)
	}
	return requireOneRow(res, "remove entry", report)
}

func (s *SQLiteStore) RemoveOwned(ctx context.Context, report string, pid int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_queue WHERE report = ?`+sqliteOwned+`;`, report, pid)
	if err != nil {
		return fmt.Errorf("remove entry %q: %w", report, err)
	}
	return s.requireOwnedRow(ctx, res, "remove entry", report)
}

// requireOwnedRow tells a missing entry from one held by another handler
// when a guarded statement matched nothing.
func (s *SQLiteStore) requireOwnedRow(ctx context.Context, res sql.Result, op, report string) error {
	err := requireOneRow(res, op, report)
	if !errors.Is(err, ErrEntryNotFound) {
		return err
	}
	var one int
	switch qerr := s.db.QueryRowContext(ctx, `SELECT 1 FROM scan_queue WHERE report = ?;`, report).Scan(&one); {
	case errors.Is(qerr, sql.ErrNoRows):
		return err
	case qerr != nil:
		return fmt.Errorf("%s %q: %w", op, report, qerr)
	}
	return fmt.Errorf("%s %q: %w", op, report, ErrNotOwner)
}

func (s *SQLiteStore) Length(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_queue;`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Get(ctx context.Context, report string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectEntry+` WHERE q.report = ?;`, report)
	e, err := scanEntry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get entry %q: %w", report, ErrEntryNotFound)
		}
		return nil, fmt.Errorf("get entry %q: %w", report, err)
	}
	return &e, nil
}

func (s *SQLiteStore) Iterate(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var maxSeq int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM scan_queue;`).Scan(&maxSeq); err != nil {
			yield(Entry{}, fmt.Errorf("iterate queue: %w", err))
			return
		}
		after := pageCursor{secs: math.MinInt64}
		for {
			batch, err := s.page(ctx, maxSeq, after)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < s.opts.pageSize {
				return
			}
			after = cursorAfter(batch[len(batch)-1])
		}
	}
}

// page reads one batch and closes its cursor before returning.
func (s *SQLiteStore) page(ctx context.Context, maxSeq int64, after pageCursor) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectEntry+`
WHERE q.seq <= ?
  AND (q.queued_time_seconds, q.queued_time_nanoseconds, q.seq) > (?, ?, ?)
ORDER BY q.queued_time_seconds, q.queued_time_nanoseconds, q.seq
LIMIT ?;
`, maxSeq, after.secs, after.nanos, after.seq, s.opts.pageSize)
	if err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	defer rows.Close()

	batch := make([]Entry, 0, s.opts.pageSize)
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("iterate queue: %w", err)
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return batch, nil
}

func requireOneRow(res sql.Result, op, report string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, report, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", op, report, ErrEntryNotFound)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
