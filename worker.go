package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// workerConfig holds options accumulated by WorkerOption calls.
type workerConfig struct {
	lease     time.Duration
	heartbeat time.Duration
	poll      time.Duration
	logger    *slog.Logger
	tracer    Tracer
	emitter   *Emitter
	llm       LLM
	facts     FactSource
	tools     *ToolRuntime
	settings  Settings
	now       func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

// WithWorkerLease sets the claim lease duration. Default: 60s.
func WithWorkerLease(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.lease = d }
}

// WithWorkerHeartbeat sets the heartbeat interval. Default: 20s.
func WithWorkerHeartbeat(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.heartbeat = d }
}

// WithWorkerPoll sets the idle polling interval. Default: 1s.
func WithWorkerPoll(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.poll = d }
}

// WithWorkerLogger sets a structured logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(c *workerConfig) { c.logger = l }
}

// WithWorkerTracer enables spans around run execution.
func WithWorkerTracer(t Tracer) WorkerOption {
	return func(c *workerConfig) { c.tracer = t }
}

// WithWorkerEmitter enables best-effort chat message emission after each
// terminal transition.
func WithWorkerEmitter(e *Emitter) WorkerOption {
	return func(c *workerConfig) { c.emitter = e }
}

// WithWorkerLLM sets the model collaborator passed to handlers.
func WithWorkerLLM(l LLM) WorkerOption {
	return func(c *workerConfig) { c.llm = l }
}

// WithWorkerFacts sets the active-facts source passed to handlers.
func WithWorkerFacts(f FactSource) WorkerOption {
	return func(c *workerConfig) { c.facts = f }
}

// WithWorkerTools sets the tool runtime passed to handlers.
func WithWorkerTools(rt *ToolRuntime) WorkerOption {
	return func(c *workerConfig) { c.tools = rt }
}

// WithWorkerSettings sets the effective settings snapshot.
func WithWorkerSettings(s Settings) WorkerOption {
	return func(c *workerConfig) { c.settings = s }
}

// withWorkerClock overrides the wall clock (tests).
func withWorkerClock(now func() time.Time) WorkerOption {
	return func(c *workerConfig) { c.now = now }
}

// Worker claims runs from the store and drives them to a terminal state
// through registered handlers. Multiple workers may share one store; the
// conditional claim/heartbeat updates guarantee single ownership.
type Worker struct {
	id       string
	store    RunStore
	registry *HandlerRegistry
	cfg      workerConfig
}

// NewWorker creates a worker over a store and handler registry. The worker id
// is hostname-pid-suffix, stable for the process lifetime.
func NewWorker(store RunStore, registry *HandlerRegistry, opts ...WorkerOption) *Worker {
	cfg := workerConfig{
		lease:     60 * time.Second,
		heartbeat: 20 * time.Second,
		poll:      time.Second,
		logger:    nopLogger,
		settings:  DefaultSettings(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &Worker{
		id:       WorkerID(),
		store:    store,
		registry: registry,
		cfg:      cfg,
	}
}

// WorkerID builds a process-unique worker id: hostname-pid-random8.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), RandomSuffix(8))
}

// ID returns the worker id stamped on claimed runs.
func (w *Worker) ID() string { return w.id }

// Start begins the claim loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (w *Worker) Start(ctx context.Context) error {
	w.cfg.logger.Info("worker started", "worker_id", w.id)
	for {
		claimed := w.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.poll):
		}
	}
}

// tick claims and executes at most one run. Returns whether a run was claimed.
func (w *Worker) tick(ctx context.Context) bool {
	run, ok, err := w.store.Claim(ctx, w.id, w.cfg.lease)
	if err != nil {
		w.cfg.logger.Error("claim failed", "worker_id", w.id, "error", err)
		return false
	}
	if !ok {
		return false
	}
	w.runOne(ctx, run)
	return true
}

// runOne executes a claimed run to a terminal state (or silently drops it when
// the lease is lost).
func (w *Worker) runOne(ctx context.Context, run *Run) {
	logger := w.cfg.logger.With("run_id", run.ID, "run_type", run.Type, "attempt", run.Attempt)

	// A cancel requested while the run sat queued wins before any work.
	if current, err := w.store.GetRun(ctx, run.ID); err == nil && current.Status == StatusCanceled {
		logger.Info("run canceled before execution")
		return
	}

	settings := RestoreSnapshot(w.cfg.settings, run.Input.Map("settings_snapshot"))
	if max := settings.RunMaxAttempts; max > 0 && run.Attempt > max {
		tc := w.newTaskContext(run, settings, logger)
		msg := fmt.Sprintf("run exceeded max attempts (%d)", max)
		_ = tc.Step(ctx, "attempts_check", func(meta map[string]any) error {
			meta["attempt"] = run.Attempt
			meta["max_attempts"] = max
			return E(CodeRuntimeError, msg)
		})
		out := tc.BuildOutput(run.Type)
		if _, err := w.store.CompleteFailed(ctx, run.ID, w.id, out, msg); err != nil {
			logger.Error("complete failed write failed", "error", err)
		}
		w.emit(ctx, run.ID)
		return
	}

	tc := w.newTaskContext(run, settings, logger)

	execCtx := ctx
	if w.cfg.tracer != nil {
		var span Span
		execCtx, span = w.cfg.tracer.Start(ctx, "run.execute",
			StringAttr("run_id", run.ID),
			StringAttr("run_type", run.Type),
			StringAttr("trace_id", tc.TraceID))
		defer span.End()
	}

	handler, ok := w.registry.Lookup(run.Type)
	var handlerErr error
	if !ok {
		handlerErr = tc.Step(execCtx, "dispatch", func(meta map[string]any) error {
			return Ef(CodeInvalidInput, "no handler registered for run type %q", run.Type)
		})
	} else {
		handlerErr = handler.Run(execCtx, tc)
	}

	w.finish(ctx, run, tc, handlerErr, logger)
}

// newTaskContext wires the envelope builder with a throttled heartbeat that
// doubles as the cancel check.
func (w *Worker) newTaskContext(run *Run, settings Settings, logger *slog.Logger) *TaskContext {
	lease := w.cfg.lease
	if settings.RunLeaseSeconds > 0 {
		lease = time.Duration(settings.RunLeaseSeconds) * time.Second
	}
	interval := w.cfg.heartbeat
	if settings.RunHeartbeatSeconds > 0 {
		interval = time.Duration(settings.RunHeartbeatSeconds) * time.Second
	}

	var lastBeat time.Time
	hb := func() error {
		now := w.cfg.now()
		if !lastBeat.IsZero() && now.Sub(lastBeat) < interval {
			return nil
		}
		lastBeat = now

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		current, err := w.store.GetRun(ctx, run.ID)
		if err == nil && current.Status == StatusCanceled {
			return ErrRunCanceled
		}
		ok, err := w.store.Heartbeat(ctx, run.ID, w.id, lease, run.Progress)
		if err != nil {
			logger.Warn("heartbeat write failed", "error", err)
			return nil
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	}

	return NewTaskContext(run,
		WithHeartbeat(hb),
		WithTaskLogger(logger),
		WithTools(w.cfg.tools),
		WithLLM(w.cfg.llm),
		WithFacts(w.cfg.facts),
		WithTaskSettings(settings),
	)
}

// finish interprets the handler outcome and writes the terminal transition.
func (w *Worker) finish(ctx context.Context, run *Run, tc *TaskContext, handlerErr error, logger *slog.Logger) {
	out := tc.BuildOutput(run.Type)

	switch {
	case handlerErr == ErrLeaseLost:
		// Another worker owns the run now. Write nothing.
		logger.Warn("lease lost, abandoning run")
		return

	case handlerErr == ErrRunCanceled:
		if _, err := w.store.CompleteCanceled(ctx, run.ID, w.id, out); err != nil {
			logger.Error("complete canceled write failed", "error", err)
		}
		logger.Info("run canceled")

	case handlerErr != nil:
		// Handler crash: synthesize a failure envelope around the error.
		if out.Error == nil {
			code := CodeOf(handlerErr)
			out.OK = false
			out.Error = &TaskError{
				Code:      code,
				Message:   truncate(handlerErr.Error(), maxErrorMessageLen),
				Retryable: RetryableOf(handlerErr),
			}
		}
		if _, err := w.store.CompleteFailed(ctx, run.ID, w.id, out, truncate(handlerErr.Error(), maxErrorMessageLen)); err != nil {
			logger.Error("complete failed write failed", "error", err)
		}
		logger.Warn("run failed", "error", handlerErr)

	case out.Yielded:
		if _, err := w.store.Requeue(ctx, run.ID, w.id); err != nil {
			logger.Error("requeue write failed", "error", err)
		}
		logger.Info("run yielded, requeued")
		return

	case !out.OK:
		msg := "task failed"
		if out.Error != nil {
			msg = out.Error.Message
		}
		if _, err := w.store.CompleteFailed(ctx, run.ID, w.id, out, msg); err != nil {
			logger.Error("complete failed write failed", "error", err)
		}
		logger.Warn("run failed", "code", errCode(out.Error))

	default:
		if _, err := w.store.CompleteSuccess(ctx, run.ID, w.id, out); err != nil {
			logger.Error("complete success write failed", "error", err)
		}
		logger.Info("run succeeded")
	}

	w.emit(ctx, run.ID)
}

// emit notifies the chat emitter after a terminal transition. Best effort.
func (w *Worker) emit(ctx context.Context, runID string) {
	if w.cfg.emitter == nil {
		return
	}
	if err := w.cfg.emitter.EmitRunMessage(ctx, runID); err != nil {
		w.cfg.logger.Warn("emit message failed", "run_id", runID, "error", err)
	}
}

func errCode(e *TaskError) string {
	if e == nil {
		return ""
	}
	return e.Code
}
