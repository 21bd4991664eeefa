package scheduler

import (
	"context"

	"github.com/mattjoyce/scanq/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/scanq/internal/scheduler Launcher,Checker

// Launcher starts a handler for an entry. See launch.Detached.
type Launcher interface {
	Launch(ctx context.Context, e queue.Entry) (int, error)
}

// Checker reports whether a handler pid is still running. Implementations
// that also satisfy launch.Classifier are asked about the whole entry.
type Checker interface {
	Alive(ctx context.Context, pid int) bool
}
