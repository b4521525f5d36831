package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/relay"
)

// testStore creates an initialized store on a temp file with a manual clock.
func testStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: 1_000_000}
	s := New(filepath.Join(t.TempDir(), "relay.db"), withClock(clock.Now))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64       { return c.t }
func (c *fakeClock) Advance(ms int64) { c.t += ms }

func queueRun(t *testing.T, s *Store, runType string) *relay.Run {
	t.Helper()
	run := relay.NewRun(runType, "", relay.Input{"note": runType})
	run.CreatedAt = 0
	run.UpdatedAt = 0
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != relay.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.Input.Str("note") != "sleep" {
		t.Errorf("input note = %q, want sleep", got.Input.Str("note"))
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", got.Attempt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, relay.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	first := queueRun(t, s, "sleep")
	clock.Advance(10)
	second := queueRun(t, s, "sleep")

	got, ok, err := s.Claim(ctx, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID {
		t.Errorf("claimed %s, want oldest %s", got.ID, first.ID)
	}

	got2, ok, err := s.Claim(ctx, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim second: ok=%v err=%v", ok, err)
	}
	if got2.ID != second.ID {
		t.Errorf("claimed %s, want %s", got2.ID, second.ID)
	}

	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); ok {
		t.Error("third claim should find nothing")
	}
}

func TestClaimIncrementsAttemptAndStampsLease(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	queueRun(t, s, "sleep")
	got, ok, err := s.Claim(ctx, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.WorkerID != "w1" {
		t.Errorf("worker_id = %q, want w1", got.WorkerID)
	}
	if want := clock.Now() + time.Minute.Milliseconds(); got.LeaseExpiresAt != want {
		t.Errorf("lease_expires_at = %d, want %d", got.LeaseExpiresAt, want)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("initial claim failed")
	}

	// At exactly the lease boundary the run is still owned.
	clock.Advance(time.Minute.Milliseconds())
	if _, ok, _ := s.Claim(ctx, "w2", time.Minute); ok {
		t.Fatal("run claimed at exact lease expiry, want still owned")
	}

	// One millisecond past the boundary it is claimable.
	clock.Advance(1)
	got, ok, err := s.Claim(ctx, "w2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if got.ID != run.ID {
		t.Errorf("reclaimed %s, want %s", got.ID, run.ID)
	}
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2 after reclaim", got.Attempt)
	}
	if got.WorkerID != "w2" {
		t.Errorf("worker_id = %q, want w2", got.WorkerID)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	clock.Advance(30_000)
	ok, err := s.Heartbeat(ctx, run.ID, "w1", time.Minute, 40)
	if err != nil || !ok {
		t.Fatalf("Heartbeat: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if want := clock.Now() + time.Minute.Milliseconds(); got.LeaseExpiresAt != want {
		t.Errorf("lease_expires_at = %d, want %d", got.LeaseExpiresAt, want)
	}
	if got.Progress != 40 {
		t.Errorf("progress = %d, want 40", got.Progress)
	}
}

func TestHeartbeatFromWrongWorkerFails(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	ok, err := s.Heartbeat(ctx, run.ID, "w2", time.Minute, -1)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if ok {
		t.Error("heartbeat from non-owner succeeded, want lost")
	}
}

func TestPreemptedWorkerCannotComplete(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	// Lease expires, w2 takes over.
	clock.Advance(time.Minute.Milliseconds() + 1)
	if _, ok, _ := s.Claim(ctx, "w2", time.Minute); !ok {
		t.Fatal("reclaim failed")
	}

	out := &relay.TaskResult{Version: relay.TaskResultVersion, OK: true, TaskType: "sleep"}
	ok, err := s.CompleteSuccess(ctx, run.ID, "w1", out)
	if err != nil {
		t.Fatalf("CompleteSuccess: %v", err)
	}
	if ok {
		t.Error("stale worker completed run, want refused")
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != relay.StatusRunning {
		t.Errorf("status = %q, want running under w2", got.Status)
	}
	if got.WorkerID != "w2" {
		t.Errorf("worker_id = %q, want w2", got.WorkerID)
	}
}

func TestCompleteSuccessPersistsOutput(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	out := &relay.TaskResult{
		Version:  relay.TaskResultVersion,
		OK:       true,
		TaskType: "sleep",
		TraceID:  relay.NewTraceID(),
		Result:   map[string]any{"slept": float64(3)},
	}
	ok, err := s.CompleteSuccess(ctx, run.ID, "w1", out)
	if err != nil || !ok {
		t.Fatalf("CompleteSuccess: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != relay.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
	if got.WorkerID != "" || got.LeaseExpiresAt != 0 {
		t.Errorf("lease not cleared: worker=%q lease=%d", got.WorkerID, got.LeaseExpiresAt)
	}
	if got.Output == nil || got.Output.Result["slept"] != float64(3) {
		t.Errorf("output = %+v, want slept=3", got.Output)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	got, err := s.Cancel(ctx, run.ID, "user", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != relay.StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
	if got.CanceledBy != "user" || got.CancelReason != "changed my mind" {
		t.Errorf("cancel metadata = %q/%q", got.CanceledBy, got.CancelReason)
	}
	if got.CanceledAt == 0 {
		t.Error("canceled_at not stamped")
	}
}

func TestCancelRunningRunClearsLease(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	got, err := s.Cancel(ctx, run.ID, "user", "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != relay.StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
	// Leases exist exactly on running runs; cancel must clear them even if
	// the worker never comes back.
	if got.WorkerID != "" || got.LeaseExpiresAt != 0 {
		t.Errorf("lease not cleared: worker=%q lease=%d", got.WorkerID, got.LeaseExpiresAt)
	}

	// The worker that was executing still attaches its envelope once.
	out := &relay.TaskResult{Version: relay.TaskResultVersion, TaskType: "sleep"}
	ok, err := s.CompleteCanceled(ctx, run.ID, "w1", out)
	if err != nil || !ok {
		t.Fatalf("CompleteCanceled: ok=%v err=%v", ok, err)
	}
	final, _ := s.GetRun(ctx, run.ID)
	if final.Output == nil {
		t.Error("envelope not attached after cancel")
	}
	if final.WorkerID != "" {
		t.Errorf("worker_id = %q, want cleared", final.WorkerID)
	}

	// A second attach is refused; the envelope is already there.
	if ok, _ := s.CompleteCanceled(ctx, run.ID, "w2", out); ok {
		t.Error("second CompleteCanceled applied over an attached envelope")
	}
}

func TestCancelIsIdempotentAndTerminalRunsRefuse(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if _, err := s.Cancel(ctx, run.ID, "user", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Repeat cancel is a no-op.
	got, err := s.Cancel(ctx, run.ID, "other", "")
	if err != nil {
		t.Fatalf("repeat Cancel: %v", err)
	}
	if got.CanceledBy != "user" {
		t.Errorf("canceled_by = %q, want original user", got.CanceledBy)
	}

	// Succeeded runs refuse.
	done := queueRun(t, s, "sleep")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}
	if _, err := s.CompleteSuccess(ctx, done.ID, "w1", &relay.TaskResult{Version: relay.TaskResultVersion, OK: true}); err != nil {
		t.Fatalf("CompleteSuccess: %v", err)
	}
	if _, err := s.Cancel(ctx, done.ID, "user", ""); !errors.Is(err, relay.ErrNotCancelable) {
		t.Fatalf("err = %v, want ErrNotCancelable", err)
	}
}

func TestRequeueYieldedRun(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "research")
	if _, ok, _ := s.Claim(ctx, "w1", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	ok, err := s.Requeue(ctx, run.ID, "w1")
	if err != nil || !ok {
		t.Fatalf("Requeue: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != relay.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.WorkerID != "" || got.LeaseExpiresAt != 0 {
		t.Error("lease not cleared on requeue")
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want preserved 1", got.Attempt)
	}
}

func TestDeleteRun(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	run := queueRun(t, s, "sleep")
	if err := s.DeleteRun(ctx, run.ID); !errors.Is(err, relay.ErrNotTerminal) {
		t.Fatalf("delete queued run: err = %v, want ErrNotTerminal", err)
	}

	if _, err := s.Cancel(ctx, run.ID, "user", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); !errors.Is(err, relay.ErrRunNotFound) {
		t.Fatalf("after delete err = %v, want ErrRunNotFound", err)
	}
	if err := s.DeleteRun(ctx, run.ID); !errors.Is(err, relay.ErrRunNotFound) {
		t.Fatalf("double delete err = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsFiltersAndOrders(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	a := queueRun(t, s, "sleep")
	clock.Advance(10)
	b := queueRun(t, s, "sleep")

	runs, err := s.ListRuns(ctx, relay.StatusQueued, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].ID != b.ID || runs[1].ID != a.ID {
		t.Error("runs not ordered newest first")
	}

	runs, err = s.ListRuns(ctx, relay.StatusSucceeded, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns succeeded: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("len = %d, want 0 succeeded", len(runs))
	}
}
