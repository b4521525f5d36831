package relay

import (
	"context"
	"testing"
)

// funcHandler adapts a closure to the Handler interface for worker tests.
type funcHandler struct {
	taskType string
	fn       func(ctx context.Context, tc *TaskContext) error
}

func (h funcHandler) Type() string { return h.taskType }

func (h funcHandler) Run(ctx context.Context, tc *TaskContext) error {
	return h.fn(ctx, tc)
}

func workerWith(store RunStore, handlers ...Handler) *Worker {
	reg := NewHandlerRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	return NewWorker(store, reg)
}

func TestWorkerRunsToSuccess(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("sleep", "", Input{"seconds": 1})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store, funcHandler{taskType: "sleep", fn: func(ctx context.Context, tc *TaskContext) error {
		return tc.Step(ctx, "sleep", func(meta map[string]any) error {
			tc.SetResult("slept", 1)
			return nil
		})
	}})

	if claimed := w.tick(context.Background()); !claimed {
		t.Fatal("nothing claimed")
	}
	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s (error %q)", got.Status, got.Error)
	}
	if got.Output == nil || !got.Output.OK || got.Output.TaskType != "sleep" {
		t.Errorf("output = %+v", got.Output)
	}
	if got.Attempt != 1 || got.WorkerID != "" || got.LeaseExpiresAt != 0 {
		t.Errorf("lease fields not cleared: %+v", got)
	}
}

func TestWorkerUnknownTypeFailsDispatch(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("unregistered", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store)
	if !w.tick(context.Background()) {
		t.Fatal("nothing claimed")
	}
	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Output.Error == nil || got.Output.Error.Code != CodeInvalidInput || got.Output.Error.Step != "dispatch" {
		t.Errorf("error = %+v", got.Output.Error)
	}
}

func TestWorkerHandlerCrashSynthesizesFailure(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("crashy", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store, funcHandler{taskType: "crashy", fn: func(ctx context.Context, tc *TaskContext) error {
		return E(CodeRuntimeError, "handler blew up outside a step")
	}})
	w.tick(context.Background())

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Output.Error == nil || got.Output.Error.Code != CodeRuntimeError {
		t.Errorf("error = %+v", got.Output.Error)
	}
	if got.Error == "" {
		t.Error("operator-facing error string not recorded")
	}
}

func TestWorkerFailedEnvelopeWithoutHandlerError(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("checky", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store, funcHandler{taskType: "checky", fn: func(ctx context.Context, tc *TaskContext) error {
		// The step fails but the handler swallows the error: the envelope
		// still decides the terminal state.
		_ = tc.Step(ctx, "validate", func(meta map[string]any) error {
			return E(CodeInvalidInput, "missing field")
		})
		return nil
	}})
	w.tick(context.Background())

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusFailed || got.Error != "missing field" {
		t.Errorf("status=%s error=%q", got.Status, got.Error)
	}
}

func TestWorkerYieldedRequeues(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("parent", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store, funcHandler{taskType: "parent", fn: func(ctx context.Context, tc *TaskContext) error {
		tc.SetYielded()
		return nil
	}})
	w.tick(context.Background())

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.WorkerID != "" || got.LeaseExpiresAt != 0 {
		t.Errorf("lease not cleared: %+v", got)
	}
	// The attempt consumed by the claim is kept.
	if got.Attempt != 1 {
		t.Errorf("attempt = %d", got.Attempt)
	}
}

func TestWorkerLeaseLostWritesNothing(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("lossy", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store, funcHandler{taskType: "lossy", fn: func(ctx context.Context, tc *TaskContext) error {
		// Simulate another worker taking over mid-flight.
		store.mu.Lock()
		store.runs[run.ID].WorkerID = "other-worker"
		store.mu.Unlock()
		return ErrLeaseLost
	}})
	w.tick(context.Background())

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusRunning || got.WorkerID != "other-worker" {
		t.Errorf("lost-lease run was touched: %+v", got)
	}
}

func TestWorkerCanceledMidFlight(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("cancely", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	w := workerWith(store, funcHandler{taskType: "cancely", fn: func(ctx context.Context, tc *TaskContext) error {
		return ErrRunCanceled
	}})
	w.tick(context.Background())

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusCanceled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestWorkerCancelBeforeExecutionWins(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("racy", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	executed := false
	w := workerWith(store, funcHandler{taskType: "racy", fn: func(ctx context.Context, tc *TaskContext) error {
		executed = true
		return nil
	}})

	// The run is claimed, then canceled before runOne re-checks.
	claimed, ok, err := store.Claim(context.Background(), w.ID(), w.cfg.lease)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	store.mu.Lock()
	store.runs[run.ID].Status = StatusCanceled
	store.mu.Unlock()

	w.runOne(context.Background(), claimed)
	if executed {
		t.Error("handler ran for a canceled run")
	}
}

func TestWorkerMaxAttemptsGate(t *testing.T) {
	store := newFakeRunStore()
	run := NewRun("retryy", "", Input{})
	_ = store.CreateRun(context.Background(), run)

	reg := NewHandlerRegistry()
	reg.Register(funcHandler{taskType: "retryy", fn: func(ctx context.Context, tc *TaskContext) error {
		t.Error("handler must not run past the attempts gate")
		return nil
	}})
	w := NewWorker(store, reg, WithWorkerSettings(func() Settings {
		s := DefaultSettings()
		s.RunMaxAttempts = 2
		return s
	}()))

	// Burn through the budget.
	store.mu.Lock()
	store.runs[run.ID].Attempt = 2
	store.mu.Unlock()

	w.tick(context.Background())

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Output.Error == nil || got.Output.Error.Code != CodeRuntimeError {
		t.Errorf("error = %+v", got.Output.Error)
	}
	if len(got.Output.Steps) != 1 || got.Output.Steps[0].Name != "attempts_check" {
		t.Errorf("steps = %+v", got.Output.Steps)
	}
}

func TestWorkerEmitsAfterTerminal(t *testing.T) {
	store := newFakeRunStore()
	sink := &fakeSink{}
	run := NewRun("sleep", "", Input{"conversation_id": "conv-1"})
	_ = store.CreateRun(context.Background(), run)

	reg := NewHandlerRegistry()
	reg.Register(funcHandler{taskType: "sleep", fn: func(ctx context.Context, tc *TaskContext) error {
		tc.SetResult("reply", "done sleeping")
		return nil
	}})
	w := NewWorker(store, reg, WithWorkerEmitter(NewEmitter(store, sink, nil)))
	w.tick(context.Background())

	if sink.count() != 1 {
		t.Fatalf("emitted %d messages", sink.count())
	}
	if sink.saved[0].Text != "done sleeping" {
		t.Errorf("text = %q", sink.saved[0].Text)
	}
}

func TestWorkerIDShape(t *testing.T) {
	id := WorkerID()
	if len(id) < 10 {
		t.Errorf("worker id = %q", id)
	}
	if id == WorkerID() {
		t.Error("worker ids must be unique per call")
	}
}
