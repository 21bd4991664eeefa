// Package launch starts handler processes for queue entries and checks on
// them afterwards.
//
// The default Detached launcher is a double fork built from re-executing the
// daemon binary: an intermediate process starts the real handler in a new
// session, reports its pid over a pipe and exits. The daemon reaps the
// intermediate straight away and never waits on the handler, which init
// adopts.
package launch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/queue"
)

// FailedPID is the pid returned alongside every launch error.
const FailedPID = -1

// pidPipeFD is where the intermediate finds the write end of the pid pipe
// (the first entry of exec.Cmd.ExtraFiles).
const pidPipeFD = 3

const pidWireSize = 8

var ErrShortRead = errors.New("short read of handler pid")

// Launcher starts one worker for an entry.
type Launcher interface {
	Launch(ctx context.Context, e queue.Entry) (int, error)
}

// SelfCommand builds command lines that re-invoke the running binary.
type SelfCommand struct {
	Path string
	// Args go before the subcommand, e.g. --config.
	Args []string
	// RunFlags is evaluated per launch and appended to the handler's
	// arguments, so a handler sees the settings current at launch time.
	RunFlags func() []string
	Env      []string
}

// NewSelfCommand resolves the running executable.
func NewSelfCommand(args ...string) (SelfCommand, error) {
	exe, err := os.Executable()
	if err != nil {
		return SelfCommand{}, fmt.Errorf("resolve executable: %w", err)
	}
	return SelfCommand{Path: exe, Args: args}, nil
}

// RunArgs is the argument list of the handler process for report.
func (s SelfCommand) RunArgs(report string) []string {
	args := append(append([]string{}, s.Args...), "handler", "run", "--report", report)
	if s.RunFlags != nil {
		args = append(args, s.RunFlags()...)
	}
	return args
}

// Run builds the handler process.
func (s SelfCommand) Run(e queue.Entry) *exec.Cmd {
	cmd := exec.Command(s.Path, s.RunArgs(e.Report)...)
	cmd.Env = s.env()
	return cmd
}

// Spawn builds the intermediate process. Everything after "--" is the handler
// command line it should start.
func (s SelfCommand) Spawn(e queue.Entry) *exec.Cmd {
	args := append(append([]string{}, s.Args...), "handler", "spawn", "--")
	args = append(args, s.RunArgs(e.Report)...)
	cmd := exec.Command(s.Path, args...)
	cmd.Env = s.env()
	return cmd
}

func (s SelfCommand) env() []string {
	if len(s.Env) == 0 {
		return nil
	}
	return append(os.Environ(), s.Env...)
}

// Detached is the double-fork launcher.
type Detached struct {
	// Intermediate builds the intermediate process for an entry.
	Intermediate func(e queue.Entry) *exec.Cmd
	// Timeout bounds the wait for the pid. Zero means only ctx bounds it.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewDetached(self SelfCommand, timeout time.Duration) *Detached {
	return &Detached{Intermediate: self.Spawn, Timeout: timeout, Logger: log.WithComponent("launch")}
}

func (d *Detached) Launch(ctx context.Context, e queue.Entry) (int, error) {
	logger := d.logger().With("report", e.Report)

	r, w, err := os.Pipe()
	if err != nil {
		return FailedPID, fmt.Errorf("create pid pipe: %w", err)
	}
	defer r.Close()

	cmd := d.Intermediate(e)
	cmd.ExtraFiles = []*os.File{w}
	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return FailedPID, fmt.Errorf("start intermediate: %w", err)
	}
	// Only the intermediate may hold the write end, or a dead intermediate
	// would never produce EOF.
	_ = w.Close()

	if deadline, ok := d.deadline(ctx); ok {
		setReadDeadline(r, deadline, logger)
	}
	pid, readErr := readPID(r)
	if readErr != nil {
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	if readErr != nil {
		return FailedPID, readErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return FailedPID, fmt.Errorf("reap intermediate: %w", waitErr)
		}
		logger.Warn("intermediate exited non-zero after delivering pid", "exit_code", exitErr.ExitCode(), "pid", pid)
	}

	logger.Debug("handler detached", "pid", pid, "intermediate_pid", cmd.Process.Pid)
	return pid, nil
}

func (d *Detached) deadline(ctx context.Context) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if d.Timeout > 0 {
		t := time.Now().Add(d.Timeout)
		if !ok || t.Before(deadline) {
			return t, true
		}
	}
	return deadline, ok
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// setReadDeadline arms the pid read timeout. Without it the read ends only
// when the intermediate writes or exits.
func setReadDeadline(r readDeadliner, deadline time.Time, logger *slog.Logger) {
	if err := r.SetReadDeadline(deadline); err != nil {
		logger.Warn("pid pipe read deadline not set", "deadline", deadline, "error", err)
	}
}

func (d *Detached) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.WithComponent("launch")
}

func readPID(r io.Reader) (int, error) {
	var buf [pidWireSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return FailedPID, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, pidWireSize)
		}
		return FailedPID, fmt.Errorf("read handler pid: %w", err)
	}
	v := binary.BigEndian.Uint64(buf[:])
	if v == 0 || v > uint64(^uint32(0)>>1) {
		return FailedPID, fmt.Errorf("read handler pid: invalid pid %d", v)
	}
	return int(v), nil
}

func writePID(w io.Writer, pid int) error {
	var buf [pidWireSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pid))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write handler pid: %w", err)
	}
	return nil
}

// OpenPIDPipe returns the pid pipe inherited by an intermediate process and
// marks it close-on-exec so the handler never receives it.
func OpenPIDPipe() (*os.File, error) {
	var st syscall.Stat_t
	if err := syscall.Fstat(pidPipeFD, &st); err != nil {
		return nil, fmt.Errorf("pid pipe fd %d is not open: %w", pidPipeFD, err)
	}
	syscall.CloseOnExec(pidPipeFD)
	return os.NewFile(pidPipeFD, "pid-pipe"), nil
}

// SpawnGrandchild is the body of the intermediate process: start cmd in its
// own session, report its pid on pipe and return without waiting for it.
func SpawnGrandchild(pipe io.WriteCloser, cmd *exec.Cmd) error {
	defer pipe.Close()

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start handler: %w", err)
	}
	if err := writePID(pipe, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	return cmd.Process.Release()
}
