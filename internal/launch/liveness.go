package launch

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/mattjoyce/scanq/internal/queue"
)

// Checker answers whether a recorded worker pid still refers to a running
// process. A recycled pid reads as alive; a signal check cannot tell the
// difference.
type Checker interface {
	Alive(ctx context.Context, pid int) bool
}

// Liveness is what the dispatch loop knows about a recorded handler.
type Liveness int

const (
	// LivenessDead: the pid is gone.
	LivenessDead Liveness = iota
	// LivenessAlive: the pid answers and, where heartbeats are kept, beat
	// recently.
	LivenessAlive
	// LivenessUnresponsive: the pid answers but has stopped beating. It has
	// to be stopped before another handler may take the entry.
	LivenessUnresponsive
)

func (l Liveness) String() string {
	switch l {
	case LivenessDead:
		return "dead"
	case LivenessAlive:
		return "alive"
	case LivenessUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// Classifier is implemented by checkers that need more than the pid.
type Classifier interface {
	Checker
	Classify(ctx context.Context, e queue.Entry) Liveness
}

// SignalChecker sends signal 0 to the pid.
type SignalChecker struct{}

func (SignalChecker) Alive(_ context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM: the process exists but belongs to someone else.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// HeartbeatChecker reports a live pid whose heartbeat is older than Grace
// as unresponsive.
type HeartbeatChecker struct {
	Base  Checker
	Grace time.Duration
	Now   func() time.Time
}

func NewHeartbeatChecker(grace time.Duration) *HeartbeatChecker {
	return &HeartbeatChecker{Base: SignalChecker{}, Grace: grace, Now: time.Now}
}

func (p *HeartbeatChecker) Alive(ctx context.Context, pid int) bool {
	return p.Base.Alive(ctx, pid)
}

func (p *HeartbeatChecker) Classify(ctx context.Context, e queue.Entry) Liveness {
	if !p.Base.Alive(ctx, e.HandlerPID) {
		return LivenessDead
	}
	if p.Grace <= 0 {
		return LivenessAlive
	}
	if e.HeartbeatAt == nil || p.Now().Sub(*e.HeartbeatAt) > p.Grace {
		return LivenessUnresponsive
	}
	return LivenessAlive
}

// Classify asks c about the entry's handler, using the whole entry when c is
// a Classifier.
func Classify(ctx context.Context, c Checker, e queue.Entry) Liveness {
	if cl, ok := c.(Classifier); ok {
		return cl.Classify(ctx, e)
	}
	if c.Alive(ctx, e.HandlerPID) {
		return LivenessAlive
	}
	return LivenessDead
}
