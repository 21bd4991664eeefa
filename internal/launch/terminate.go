package launch

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const terminatePoll = 50 * time.Millisecond

// Terminate sends SIGTERM to pid, waits up to grace for it to disappear and
// then sends SIGKILL. A pid that is already gone is not an error.
func Terminate(ctx context.Context, p Checker, pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("terminate: invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("send SIGTERM to %d: %w", pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	ticker := time.NewTicker(terminatePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !p.Alive(ctx, pid) {
				return nil
			}
		case <-timer.C:
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("send SIGKILL to %d: %w", pid, err)
			}
			return nil
		}
	}
}
