package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (c *Postgres) PutTask(ctx context.Context, task Task) error {
	if task.ID == "" {
		return fmt.Errorf("put task: id is empty")
	}
	_, err := c.pool.Exec(ctx, `
INSERT INTO tasks (id, name, owner) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
  owner = EXCLUDED.owner,
  name = CASE WHEN EXCLUDED.name = '' THEN tasks.name ELSE EXCLUDED.name END
`, task.ID, task.Name, task.Owner)
	if err != nil {
		return fmt.Errorf("put task %q: %w", task.ID, err)
	}
	return nil
}

func (c *Postgres) PutReport(ctx context.Context, reportID, taskID string) error {
	if reportID == "" || taskID == "" {
		return fmt.Errorf("put report: report and task ids are required")
	}
	_, err := c.pool.Exec(ctx, `
INSERT INTO reports (id, task) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET task = EXCLUDED.task
`, reportID, taskID)
	if err != nil {
		return fmt.Errorf("put report %q: %w", reportID, err)
	}
	return nil
}

func (c *Postgres) Report(ctx context.Context, reportID string) (*Report, error) {
	var r Report
	err := c.pool.QueryRow(ctx, `
SELECT r.id, r.task, COALESCE(t.owner, ''), r.created_at
FROM reports r LEFT JOIN tasks t ON t.id = r.task
WHERE r.id = $1
`, reportID).Scan(&r.ID, &r.Task, &r.Owner, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %q: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("report %q: %w", reportID, err)
	}
	return &r, nil
}

var _ Catalog = (*Postgres)(nil)
