package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// PutTask inserts the task or updates its owner and (non-empty) name.
func (c *SQLite) PutTask(ctx context.Context, task Task) error {
	if task.ID == "" {
		return fmt.Errorf("put task: id is empty")
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO tasks(id, name, owner, created_at) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  owner = excluded.owner,
  name = CASE WHEN excluded.name = '' THEN tasks.name ELSE excluded.name END;
`, task.ID, task.Name, task.Owner, c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put task %q: %w", task.ID, err)
	}
	return nil
}

func (c *SQLite) PutReport(ctx context.Context, reportID, taskID string) error {
	if reportID == "" || taskID == "" {
		return fmt.Errorf("put report: report and task ids are required")
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO reports(id, task, created_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET task = excluded.task;
`, reportID, taskID, c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put report %q: %w", reportID, err)
	}
	return nil
}

func (c *SQLite) Report(ctx context.Context, reportID string) (*Report, error) {
	var (
		r       Report
		created string
	)
	err := c.db.QueryRowContext(ctx, `
SELECT r.id, r.task, COALESCE(t.owner, ''), r.created_at
FROM reports r LEFT JOIN tasks t ON t.id = r.task
WHERE r.id = ?;
`, reportID).Scan(&r.ID, &r.Task, &r.Owner, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %q: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("report %q: %w", reportID, err)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		r.CreatedAt = ts
	}
	return &r, nil
}

var _ Catalog = (*SQLite)(nil)
