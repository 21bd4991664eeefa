package queue

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// storeFactory returns an empty store on a fake clock.
type storeFactory func(t *testing.T, opts ...Option) (Store, *fakeClock)

// storeContract is the behaviour both backends share.
var storeContract = []struct {
	name string
	run  func(t *testing.T, newStore storeFactory)
}{
	{"EnqueueIterateFIFO", testEnqueueIterateFIFO},
	{"EqualTimestampsFallBackToInsertionOrder", testEqualTimestampsFallBackToInsertionOrder},
	{"SubSecondPrecisionIsKept", testSubSecondPrecisionIsKept},
	{"DuplicateEnqueueIsRejected", testDuplicateEnqueueIsRejected},
	{"EnqueueValidation", testEnqueueValidation},
	{"RequeueMovesEntryToBack", testRequeueMovesEntryToBack},
	{"RequeueWithFrozenClockStillGoesToBack", testRequeueWithFrozenClockStillGoesToBack},
	{"MutationsOnMissingEntry", testMutationsOnMissingEntry},
	{"RemoveAndLength", testRemoveAndLength},
	{"Clear", testClear},
	{"IteratePagesAcrossBatches", testIteratePagesAcrossBatches},
	{"IterateSkipsEntriesRequeuedDuringPass", testIterateSkipsEntriesRequeuedDuringPass},
	{"IterateCanBeAbandoned", testIterateCanBeAbandoned},
	{"SetHandlerPIDAndTouch", testSetHandlerPIDAndTouch},
	{"OwnedMutationsRespectHandlerPID", testOwnedMutationsRespectHandlerPID},
}

func testEnqueueIterateFIFO(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t)
	ctx := context.Background()

	for _, r := range []string{"r1", "r2", "r3"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
		clock.Advance(time.Millisecond)
	}

	got := collect(t, s)
	assertOrder(t, got, "r1", "r2", "r3")
	for i := 1; i < len(got); i++ {
		if got[i].QueuedAt.Before(got[i-1].QueuedAt) {
			t.Fatalf("queued times out of order: %v then %v", got[i-1].QueuedAt, got[i].QueuedAt)
		}
	}
	for _, e := range got {
		if e.HandlerPID != 0 {
			t.Fatalf("fresh entry %s has handler pid %d", e.Report, e.HandlerPID)
		}
	}
}

func testEqualTimestampsFallBackToInsertionOrder(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	// The clock never moves, so only seq separates these.
	for _, r := range []string{"c", "a", "b"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
	}
	assertOrder(t, collect(t, s), "c", "a", "b")
}

func testSubSecondPrecisionIsKept(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t)
	ctx := context.Background()

	clock.Advance(123456789 * time.Nanosecond)
	if err := s.Enqueue(ctx, "r1", StartFromStopped); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	e, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.QueuedAt.Equal(clock.Now()) {
		t.Fatalf("QueuedAt = %v, want %v", e.QueuedAt, clock.Now())
	}
	if e.StartFrom != StartFromStopped {
		t.Fatalf("StartFrom = %v, want stopped", e.StartFrom)
	}
}

func testDuplicateEnqueueIsRejected(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "r1", StartFromBeginning); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	before, _ := s.Get(ctx, "r1")
	clock.Advance(time.Second)

	err := s.Enqueue(ctx, "r1", StartFromStopped)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("duplicate Enqueue err = %v, want ErrAlreadyQueued", err)
	}
	var dup *AlreadyQueuedError
	if !errors.As(err, &dup) || dup.Report != "r1" {
		t.Fatalf("expected *AlreadyQueuedError for r1, got %#v", err)
	}

	after, _ := s.Get(ctx, "r1")
	if !after.QueuedAt.Equal(before.QueuedAt) || after.StartFrom != StartFromBeginning {
		t.Fatalf("duplicate enqueue modified the row: before %+v after %+v", before, after)
	}
	if n, _ := s.Length(ctx); n != 1 {
		t.Fatalf("Length = %d, want 1", n)
	}
}

func testEnqueueValidation(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "  ", StartFromBeginning); err == nil {
		t.Fatal("expected error for empty report")
	}
	if err := s.Enqueue(ctx, "r1", StartFrom(7)); err == nil {
		t.Fatal("expected error for invalid start_from")
	}
}

func testRequeueMovesEntryToBack(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t)
	ctx := context.Background()

	for _, r := range []string{"a", "b"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
		clock.Advance(time.Millisecond)
	}
	if err := s.SetHandlerPID(ctx, "a", 4242); err != nil {
		t.Fatalf("SetHandlerPID: %v", err)
	}
	before, _ := s.Get(ctx, "a")

	clock.Advance(time.Second)
	if err := s.RequeueToEnd(ctx, "a"); err != nil {
		t.Fatalf("RequeueToEnd: %v", err)
	}

	got := collect(t, s)
	assertOrder(t, got, "b", "a")
	a := got[1]
	if a.HandlerPID != 0 {
		t.Fatalf("requeue kept handler pid %d", a.HandlerPID)
	}
	if a.QueuedAt.Before(before.QueuedAt) || !a.QueuedAt.Equal(clock.Now()) {
		t.Fatalf("requeue QueuedAt = %v, want %v", a.QueuedAt, clock.Now())
	}
	if a.Requeues != 1 {
		t.Fatalf("Requeues = %d, want 1", a.Requeues)
	}
	if a.HeartbeatAt != nil {
		t.Fatalf("requeue kept heartbeat %v", a.HeartbeatAt)
	}
}

func testRequeueWithFrozenClockStillGoesToBack(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, r := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
	}
	if err := s.RequeueToEnd(ctx, "a"); err != nil {
		t.Fatalf("RequeueToEnd: %v", err)
	}
	assertOrder(t, collect(t, s), "b", "c", "a")
}

func testMutationsOnMissingEntry(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	checks := map[string]error{
		"requeue": s.RequeueToEnd(ctx, "ghost"),
		"setpid":  s.SetHandlerPID(ctx, "ghost", 10),
		"remove":  s.Remove(ctx, "ghost"),
		"touch":   s.Touch(ctx, "ghost", 10),
		"rmowned": s.RemoveOwned(ctx, "ghost", 10),
		"rqowned": s.RequeueOwned(ctx, "ghost", 10),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("%s: err = %v, want ErrEntryNotFound", name, err)
		}
	}
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("get: err = %v, want ErrEntryNotFound", err)
	}
}

func testRemoveAndLength(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, r := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
	}
	if n, _ := s.Length(ctx); n != 3 {
		t.Fatalf("Length = %d, want 3", n)
	}
	if err := s.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := s.Length(ctx); n != 2 {
		t.Fatalf("Length = %d, want 2", n)
	}
	assertOrder(t, collect(t, s), "a", "c")
}

func testClear(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, r := range []string{"a", "b"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
	}
	n, err := s.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("Clear removed %d, want 2", n)
	}
	if got := collect(t, s); len(got) != 0 {
		t.Fatalf("queue not empty after Clear: %v", reports(got))
	}
}

func testIteratePagesAcrossBatches(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t, WithPageSize(2))
	ctx := context.Background()

	want := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, r := range want {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
		clock.Advance(time.Microsecond)
	}
	assertOrder(t, collect(t, s), want...)
}

func testIterateSkipsEntriesRequeuedDuringPass(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t, WithPageSize(1))
	ctx := context.Background()

	for _, r := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
		clock.Advance(time.Millisecond)
	}

	var seen []string
	for e, err := range s.Iterate(ctx) {
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		seen = append(seen, e.Report)
		// Mutating mid-pass must neither deadlock nor revisit the entry.
		if err := s.RequeueToEnd(ctx, e.Report); err != nil {
			t.Fatalf("RequeueToEnd %s: %v", e.Report, err)
		}
		if e.Report == "a" {
			if err := s.Enqueue(ctx, "late", StartFromBeginning); err != nil {
				t.Fatalf("Enqueue late: %v", err)
			}
		}
	}
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("seen = %v, want [a b c]", seen)
	}
	assertOrder(t, collect(t, s), "a", "late", "b", "c")
}

func testIterateCanBeAbandoned(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t, WithPageSize(1))
	ctx := context.Background()

	for _, r := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
	}
	count := 0
	for _, err := range s.Iterate(ctx) {
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		count++
		break
	}
	if count != 1 {
		t.Fatalf("visited %d entries, want 1", count)
	}
	// Nothing is left locked after breaking out.
	if _, err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear after abandoned iteration: %v", err)
	}
}

func testSetHandlerPIDAndTouch(t *testing.T, newStore storeFactory) {
	s, clock := newStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "r1", StartFromBeginning); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.SetHandlerPID(ctx, "r1", 777); err != nil {
		t.Fatalf("SetHandlerPID: %v", err)
	}
	e, _ := s.Get(ctx, "r1")
	if e.HandlerPID != 777 || !e.HasHandler() {
		t.Fatalf("HandlerPID = %d, want 777", e.HandlerPID)
	}
	if e.HeartbeatAt == nil || !e.HeartbeatAt.Equal(clock.Now()) {
		t.Fatalf("HeartbeatAt = %v, want launch time", e.HeartbeatAt)
	}

	clock.Advance(5 * time.Second)
	if err := s.Touch(ctx, "r1", 777); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	e, _ = s.Get(ctx, "r1")
	if !e.HeartbeatAt.Equal(clock.Now()) {
		t.Fatalf("HeartbeatAt = %v, want %v", e.HeartbeatAt, clock.Now())
	}
}

func testOwnedMutationsRespectHandlerPID(t *testing.T, newStore storeFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, r := range []string{"r1", "r2"} {
		if err := s.Enqueue(ctx, r, StartFromBeginning); err != nil {
			t.Fatalf("Enqueue %s: %v", r, err)
		}
	}

	// A free entry accepts the handler that is about to be recorded.
	if err := s.Touch(ctx, "r1", 100); err != nil {
		t.Fatalf("Touch free entry: %v", err)
	}

	if err := s.SetHandlerPID(ctx, "r1", 200); err != nil {
		t.Fatalf("SetHandlerPID: %v", err)
	}
	for name, err := range map[string]error{
		"touch":   s.Touch(ctx, "r1", 100),
		"remove":  s.RemoveOwned(ctx, "r1", 100),
		"requeue": s.RequeueOwned(ctx, "r1", 100),
	} {
		if !errors.Is(err, ErrNotOwner) {
			t.Errorf("%s by replaced handler: err = %v, want ErrNotOwner", name, err)
		}
	}
	e, _ := s.Get(ctx, "r1")
	if e.HandlerPID != 200 || e.Requeues != 0 {
		t.Fatalf("entry changed by replaced handler: %+v", e)
	}

	if err := s.RequeueOwned(ctx, "r1", 200); err != nil {
		t.Fatalf("RequeueOwned by holder: %v", err)
	}
	if got := reports(collect(t, s)); !slices.Equal(got, []string{"r2", "r1"}) {
		t.Fatalf("order = %v, want [r2 r1]", got)
	}

	if err := s.SetHandlerPID(ctx, "r2", 300); err != nil {
		t.Fatalf("SetHandlerPID: %v", err)
	}
	if err := s.RemoveOwned(ctx, "r2", 300); err != nil {
		t.Fatalf("RemoveOwned by holder: %v", err)
	}
	if n, _ := s.Length(ctx); n != 1 {
		t.Fatalf("Length = %d, want 1", n)
	}
}
