package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/sourcegraph/conc"

	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/queue"
)

// Supervised starts the handler as a direct child and leaves a goroutine
// blocked in Wait for each one. Handlers survive a daemon restart only as
// orphans; use Detached when that matters.
type Supervised struct {
	Command func(e queue.Entry) *exec.Cmd
	Logger  *slog.Logger

	wg conc.WaitGroup
}

func NewSupervised(self SelfCommand) *Supervised {
	return &Supervised{Command: self.Run, Logger: log.WithComponent("launch")}
}

func (s *Supervised) Launch(_ context.Context, e queue.Entry) (int, error) {
	cmd := s.Command(e)
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	if err := cmd.Start(); err != nil {
		return FailedPID, fmt.Errorf("start handler: %w", err)
	}

	pid := cmd.Process.Pid
	logger := s.logger().With("report", e.Report, "pid", pid)
	s.wg.Go(func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			logger.Debug("handler exited")
		case errors.As(err, &exitErr):
			logger.Info("handler exited non-zero", "exit_code", exitErr.ExitCode())
		default:
			logger.Error("wait for handler", "error", err)
		}
	})
	return pid, nil
}

// Close blocks until every supervised handler has exited.
func (s *Supervised) Close() {
	s.wg.Wait()
}

func (s *Supervised) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.WithComponent("launch")
}
