package relay

import (
	"context"
	"time"
)

// RunStore is the durable run queue. Implementations: store/sqlite (default,
// single local DB) and store/postgres (shared deployments).
//
// Claim, Heartbeat, and the Complete* methods are conditional single-statement
// updates: they take effect only while the caller still holds the lease, so
// two workers can never both act on one run.
type RunStore interface {
	// CreateRun inserts a queued run. ID, CreatedAt, and UpdatedAt are
	// assigned when empty.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun fetches one run by id. Returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by updated_at descending. status filters
	// when non-empty.
	ListRuns(ctx context.Context, status RunStatus, limit, offset int) ([]*Run, error)

	// ListRunsByConversation returns a conversation's runs, newest first.
	ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]*Run, error)

	// Claim atomically transitions the oldest claimable run to running:
	// status=queued, or status=running with an expired lease. Order is
	// updated_at ascending, created_at ascending on ties. The claim stamps
	// worker_id, extends the lease, and increments attempt exactly once.
	// ok=false means nothing was claimable.
	Claim(ctx context.Context, workerID string, lease time.Duration) (run *Run, ok bool, err error)

	// Heartbeat extends the lease of a run the worker still owns and records
	// coarse progress (0..100, ignored when negative). ok=false means the
	// lease was lost or the run left running.
	Heartbeat(ctx context.Context, runID, workerID string, lease time.Duration, progress int) (ok bool, err error)

	// CompleteSuccess finalizes a run the worker still owns as succeeded,
	// persisting the output envelope and clearing the lease.
	CompleteSuccess(ctx context.Context, runID, workerID string, output *TaskResult) (ok bool, err error)

	// CompleteFailed finalizes as failed with a short operator-facing error
	// string alongside the envelope.
	CompleteFailed(ctx context.Context, runID, workerID string, output *TaskResult, errMsg string) (ok bool, err error)

	// CompleteCanceled finalizes as canceled, preserving any cancel metadata
	// already recorded on the run.
	CompleteCanceled(ctx context.Context, runID, workerID string, output *TaskResult) (ok bool, err error)

	// Requeue returns a yielded run to queued, clearing the lease so any
	// worker may resume it after its children finish.
	Requeue(ctx context.Context, runID, workerID string) (ok bool, err error)

	// Cancel requests cancellation. Queued runs finalize immediately;
	// running runs get cancel metadata stamped and finalize at the next
	// heartbeat. Terminal runs return ErrNotCancelable; cancel of an
	// already-canceled run is a no-op returning the run unchanged.
	Cancel(ctx context.Context, id, canceledBy, reason string) (*Run, error)

	// DeleteRun removes a terminal run. Returns ErrRunNotFound when absent
	// and ErrNotTerminal for queued or running runs.
	DeleteRun(ctx context.Context, id string) error

	// Close releases the underlying database handle.
	Close() error
}

// NewRun builds a queued run with fresh id and timestamps.
func NewRun(runType, title string, input Input) *Run {
	now := NowUnixMilli()
	if input == nil {
		input = Input{}
	}
	return &Run{
		ID:             NewID(),
		Type:           runType,
		Title:          title,
		Status:         StatusQueued,
		Input:          input,
		ParentRunID:    input.Str("parent_run_id"),
		ConversationID: input.Str("conversation_id"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
