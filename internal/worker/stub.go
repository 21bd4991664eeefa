package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattjoyce/scanq/internal/queue"
)

// DefaultContinueProbability is the chance each unit leaves the scan active.
const DefaultContinueProbability = 0.9

// StubScanner stands in for real scan work: each unit sleeps, then a
// Bernoulli trial decides whether the scan goes on.
type StubScanner struct {
	WorkUnit            time.Duration
	ContinueProbability float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewStubScanner uses r for the trials, or a randomly seeded source if nil.
func NewStubScanner(workUnit time.Duration, p float64, r *rand.Rand) *StubScanner {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &StubScanner{WorkUnit: workUnit, ContinueProbability: p, rand: r}
}

func (s *StubScanner) Step(ctx context.Context, _ queue.Entry) (bool, error) {
	if s.WorkUnit > 0 {
		t := time.NewTimer(s.WorkUnit)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rand == nil {
		s.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s.rand.Float64() < s.ContinueProbability, nil
}
