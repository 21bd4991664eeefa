// Package catalog records the tasks and reports that queue entries refer to.
// The scheduler never interprets these identifiers; the queue only joins
// against them to show a task and owner next to each entry.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("catalog record not found")

type Task struct {
	ID        string
	Name      string
	Owner     string
	CreatedAt time.Time
}

type Report struct {
	ID        string
	Task      string
	Owner     string
	CreatedAt time.Time
}

// Catalog is implemented by SQLite and Postgres.
type Catalog interface {
	PutTask(ctx context.Context, task Task) error
	PutReport(ctx context.Context, reportID, taskID string) error
	// Report returns the report with its task's owner filled in.
	Report(ctx context.Context, reportID string) (*Report, error)
}

// Register upserts the task (when taskID is set) and links reportID to it.
// An empty taskID is a no-op: the entry is queued without catalog rows.
func Register(ctx context.Context, c Catalog, reportID, taskID, owner string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil
	}
	if err := c.PutTask(ctx, Task{ID: taskID, Owner: owner}); err != nil {
		return err
	}
	return c.PutReport(ctx, reportID, taskID)
}
