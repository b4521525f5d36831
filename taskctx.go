package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// WebBlockedMessage is the user-visible message for rate-limited or blocked
// web requests, regardless of the underlying error text.
const WebBlockedMessage = "请求过于频繁或被限制（如 403/429），请稍后再试。"

// maxErrorMessageLen caps user-visible error messages in the envelope.
const maxErrorMessageLen = 500

// HeartbeatFunc extends the run lease and doubles as the cancel-detection
// point. It returns ErrRunCanceled when the run was canceled and
// ErrLeaseLost when another worker took over.
type HeartbeatFunc func() error

// TaskContext accumulates the task_result_v0 envelope for one run execution.
// It is single-goroutine by contract: handlers are blocking and steps are
// sequential.
type TaskContext struct {
	Run     *Run
	TraceID string

	// Tools is the tool runtime handlers invoke external effects through.
	// LLM and Facts are the collaborator contracts handlers consume.
	Tools *ToolRuntime
	LLM   LLM
	Facts FactSource

	// Settings is the effective settings snapshot for this execution.
	Settings Settings

	heartbeat HeartbeatFunc
	logger    *slog.Logger
	now       func() time.Time

	ok         bool
	okForced   bool
	err        *TaskError
	result     map[string]any
	artifacts  map[string]any
	steps      []Step
	traceLines []string
	yielded    bool

	factsSnapshotID     string
	factsSnapshotSource string
}

// TaskContextOption configures a TaskContext.
type TaskContextOption func(*TaskContext)

// WithHeartbeat sets the heartbeat callback handlers must invoke between
// long-running operations.
func WithHeartbeat(hb HeartbeatFunc) TaskContextOption {
	return func(c *TaskContext) { c.heartbeat = hb }
}

// WithTaskLogger sets a structured logger for step events.
func WithTaskLogger(l *slog.Logger) TaskContextOption {
	return func(c *TaskContext) { c.logger = l }
}

// WithTools sets the tool runtime.
func WithTools(rt *ToolRuntime) TaskContextOption {
	return func(c *TaskContext) { c.Tools = rt }
}

// WithLLM sets the LLM collaborator.
func WithLLM(l LLM) TaskContextOption {
	return func(c *TaskContext) { c.LLM = l }
}

// WithFacts sets the active-facts source.
func WithFacts(f FactSource) TaskContextOption {
	return func(c *TaskContext) { c.Facts = f }
}

// WithTaskSettings sets the effective settings snapshot.
func WithTaskSettings(s Settings) TaskContextOption {
	return func(c *TaskContext) { c.Settings = s }
}

// withClock overrides the wall clock (tests).
func withClock(now func() time.Time) TaskContextOption {
	return func(c *TaskContext) { c.now = now }
}

// NewTaskContext creates the envelope builder for one run. The trace id is
// taken from input.trace_id when it is a valid 32-hex string, otherwise a
// fresh one is generated.
func NewTaskContext(run *Run, opts ...TaskContextOption) *TaskContext {
	c := &TaskContext{
		Run:       run,
		ok:        true,
		result:    map[string]any{},
		artifacts: map[string]any{},
		logger:    nopLogger,
		now:       time.Now,
	}
	if t := run.TraceID(); t != "" {
		c.TraceID = t
	} else {
		c.TraceID = NewTraceID()
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Beat invokes the heartbeat callback. Handlers call it between operations;
// the sleep handler calls it every second.
func (c *TaskContext) Beat() error {
	if c.heartbeat == nil {
		return nil
	}
	return c.heartbeat()
}

// Step runs fn inside a scoped step region named name. The step records
// wall-clock duration (milliseconds, rounded up), and on failure captures the
// error code. The first failure also sets the envelope's top-level error and
// flips ok to false; later failures record their step but do not overwrite
// the top-level error. The error is returned unchanged so handlers decide
// whether to abort or continue.
func (c *TaskContext) Step(ctx context.Context, name string, fn func(meta map[string]any) error) error {
	meta := map[string]any{}
	start := c.now()
	err := fn(meta)
	elapsed := c.now().Sub(start)

	step := Step{
		Name:       name,
		OK:         err == nil,
		DurationMS: ceilMillis(elapsed),
		Meta:       meta,
	}
	if len(meta) == 0 {
		step.Meta = nil
	}

	if err != nil {
		code := CodeOf(err)
		step.ErrorCode = &code
		if d := DetailOf(err); d != "" {
			if step.Meta == nil {
				step.Meta = map[string]any{}
			}
			step.Meta["detail_code"] = d
		}
		if c.err == nil {
			c.err = taskErrorFrom(name, code, err)
			c.ok = false
			c.okForced = false
		}
		c.logger.Warn("step failed", "trace_id", c.TraceID, "step", name, "code", code, "error", err)
	}

	c.steps = append(c.steps, step)
	_ = ctx
	return err
}

// taskErrorFrom applies the error-to-message policy: WebBlocked always maps
// to the localized rate-limit hint with retryable=true; everything else
// passes the original message through, truncated.
func taskErrorFrom(step, code string, err error) *TaskError {
	if code == CodeWebBlocked {
		return &TaskError{Code: code, Message: WebBlockedMessage, Retryable: true, Step: step}
	}
	msg := err.Error()
	var ce *Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	return &TaskError{
		Code:      code,
		Message:   truncate(msg, maxErrorMessageLen),
		Retryable: RetryableOf(err),
		Step:      step,
	}
}

// SetOK overrides the computed ok flag. Partial-success handlers call
// SetOK(true) after ClearError when at least one primary artifact was
// produced.
func (c *TaskContext) SetOK(ok bool) {
	c.ok = ok
	c.okForced = true
}

// ClearError drops the top-level error. Per-step errors remain recorded.
func (c *TaskContext) ClearError() {
	c.err = nil
}

// SetYielded marks a parent suspension.
func (c *TaskContext) SetYielded() { c.yielded = true }

// SetResult sets a key in the handler-shaped result summary.
func (c *TaskContext) SetResult(key string, v any) { c.result[key] = v }

// SetArtifact sets a key in the handler-shaped artifacts payload.
func (c *TaskContext) SetArtifact(key string, v any) { c.artifacts[key] = v }

// Artifact returns the artifact stored at key, or nil.
func (c *TaskContext) Artifact(key string) any { return c.artifacts[key] }

// SetFactsSnapshot records the facts snapshot consumed by the handler.
// source is one of "provided", "store", "fallback_zero".
func (c *TaskContext) SetFactsSnapshot(id, source string) {
	c.factsSnapshotID = id
	c.factsSnapshotSource = source
}

// Trace appends a rendered trace line (bounded at build time).
func (c *TaskContext) Trace(format string, args ...any) {
	c.traceLines = append(c.traceLines, fmt.Sprintf(format, args...))
}

// Steps returns the recorded steps so far.
func (c *TaskContext) Steps() []Step { return c.steps }

// Err returns the current top-level task error, or nil.
func (c *TaskContext) Err() *TaskError { return c.err }

// maxTraceLines bounds the rendered trace carried in the envelope.
const maxTraceLines = 200

// BuildOutput serializes the accumulated envelope for the given task type.
// If the serialized size exceeds 1 MiB a task.output.too_large trace line is
// recorded; the envelope is still returned intact.
func (c *TaskContext) BuildOutput(taskType string) *TaskResult {
	lines := c.traceLines
	if len(lines) > maxTraceLines {
		lines = lines[len(lines)-maxTraceLines:]
	}
	tr := &TaskResult{
		Version:             TaskResultVersion,
		OK:                  c.ok,
		TaskType:            taskType,
		TraceID:             c.TraceID,
		Result:              c.result,
		Artifacts:           c.artifacts,
		Steps:               c.steps,
		TraceLines:          lines,
		Error:               c.err,
		FactsSnapshotID:     c.factsSnapshotID,
		FactsSnapshotSource: c.factsSnapshotSource,
		Yielded:             c.yielded,
	}
	if data, err := MarshalTaskResult(tr); err == nil && len(data) > maxOutputBytes {
		tr.TraceLines = append(tr.TraceLines, fmt.Sprintf("task.output.too_large bytes=%d", len(data)))
	}
	return tr
}

// ceilMillis converts a duration to milliseconds, rounding up so that any
// non-zero duration records at least 1 ms.
func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// truncate caps s at n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
