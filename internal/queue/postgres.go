package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Store backed by a pgx pool. seq values come from the
// scan_queue_seq sequence.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgres wraps pool, which must already be migrated.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}
}

const pgSelectEntry = `
SELECT q.report, q.queued_time_seconds, q.queued_time_nanoseconds, q.seq, q.handler_pid,
       q.start_from, q.heartbeat_ns, q.requeues, COALESCE(r.task, ''), COALESCE(t.owner, '')
FROM scan_queue q
LEFT JOIN reports r ON r.id = q.report
LEFT JOIN tasks t ON t.id = r.task`

func (s *PostgresStore) Enqueue(ctx context.Context, report string, startFrom StartFrom) error {
	if err := validateReport(report); err != nil {
		return err
	}
	if !startFrom.Valid() {
		return fmt.Errorf("enqueue %q: invalid start_from %d", report, int(startFrom))
	}
	secs, nanos := splitTime(s.opts.now())

	tag, err := s.pool.Exec(ctx, `
INSERT INTO scan_queue (report, queued_time_seconds, queued_time_nanoseconds, seq, handler_pid, start_from)
VALUES ($1, $2, $3, nextval('scan_queue_seq'), 0, $4)
ON CONFLICT (report) DO NOTHING
`, report, secs, nanos, int(startFrom))
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", report, err)
	}
	if tag.RowsAffected() == 0 {
		return &AlreadyQueuedError{Report: report}
	}
	s.opts.logger.Debug("entry enqueued", "report", report, "start_from", startFrom.String())
	return nil
}

func (s *PostgresStore) RequeueToEnd(ctx context.Context, report string) error {
	return s.requeue(ctx, report, nil)
}

func (s *PostgresStore) RequeueOwned(ctx context.Context, report string, pid int) error {
	return s.requeue(ctx, report, &pid)
}

// requeue moves the entry to the back. With owner set the entry must be free
// or held by *owner.
func (s *PostgresStore) requeue(ctx context.Context, report string, owner *int) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("requeue entry %q: %w", report, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	// Lock first so a missing row does not burn a sequence value.
	var holder int
	err = tx.QueryRow(ctx, `SELECT handler_pid FROM scan_queue WHERE report = $1 FOR UPDATE`, report).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("requeue entry %q: %w", report, ErrEntryNotFound)
	}
	if err != nil {
		return fmt.Errorf("requeue entry %q: %w", report, err)
	}
	if owner != nil && holder != 0 && holder != *owner {
		return fmt.Errorf("requeue entry %q: %w", report, ErrNotOwner)
	}

	secs, nanos := splitTime(s.opts.now())
	if _, err = tx.Exec(ctx, `
UPDATE scan_queue
SET queued_time_seconds = $2, queued_time_nanoseconds = $3, seq = nextval('scan_queue_seq'),
    handler_pid = 0, heartbeat_ns = NULL, requeues = requeues + 1
WHERE report = $1
`, report, secs, nanos); err != nil {
		return fmt.Errorf("requeue entry %q: %w", report, err)
	}
	return nil
}

func (s *PostgresStore) SetHandlerPID(ctx context.Context, report string, pid int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scan_queue SET handler_pid = $2, heartbeat_ns = $3 WHERE report = $1
`, report, pid, s.opts.now().UnixNano())
	return pgOneRow(tag, err, "set handler pid", report)
}

func (s *PostgresStore) Touch(ctx context.Context, report string, pid int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scan_queue SET heartbeat_ns = $2 WHERE report = $1`+pgOwned,
		report, s.opts.now().UnixNano(), pid)
	return s.ownedRow(ctx, tag, err, "touch entry", report)
}

func (s *PostgresStore) Remove(ctx context.Context, report string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scan_queue WHERE report = $1`, report)
	return pgOneRow(tag, err, "remove entry", report)
}

func (s *PostgresStore) RemoveOwned(ctx context.Context, report string, pid int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scan_queue WHERE report = $1 AND handler_pid IN (0, $2)`, report, pid)
	return s.ownedRow(ctx, tag, err, "remove entry", report)
}

// pgOwned restricts a statement to rows free or held by the pid in $3.
const pgOwned = ` AND handler_pid IN (0, $3)`

func (s *PostgresStore) ownedRow(ctx context.Context, tag pgconn.CommandTag, err error, op, report string) error {
	err = pgOneRow(tag, err, op, report)
	if !errors.Is(err, ErrEntryNotFound) {
		return err
	}
	var one int
	switch qerr := s.pool.QueryRow(ctx, `SELECT 1 FROM scan_queue WHERE report = $1`, report).Scan(&one); {
	case errors.Is(qerr, pgx.ErrNoRows):
		return err
	case qerr != nil:
		return fmt.Errorf("%s %q: %w", op, report, qerr)
	}
	return fmt.Errorf("%s %q: %w", op, report, ErrNotOwner)
}

func (s *PostgresStore) Length(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scan_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Clear(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scan_queue`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Get(ctx context.Context, report string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, pgSelectEntry+` WHERE q.report = $1`, report)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get entry %q: %w", report, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %q: %w", report, err)
	}
	return &e, nil
}

func (s *PostgresStore) Iterate(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var maxSeq int64
		if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM scan_queue`).Scan(&maxSeq); err != nil {
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

func (s *PostgresStore) page(ctx context.Context, maxSeq int64, after pageCursor) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, pgSelectEntry+`
WHERE q.seq <= $1
  AND (q.queued_time_seconds, q.queued_time_nanoseconds, q.seq) > ($2, $3, $4)
ORDER BY q.queued_time_seconds, q.queued_time_nanoseconds, q.seq
LIMIT $5
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

func pgOneRow(tag pgconn.CommandTag, err error, op, report string) error {
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, report, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %q: %w", op, report, ErrEntryNotFound)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
