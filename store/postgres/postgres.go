// Package postgres implements relay.RunStore using PostgreSQL via pgx.
// It serves shared deployments where several daemons drain one queue; the
// conditional-update ownership protocol is identical to the sqlite store.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
)

// Store implements relay.RunStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() int64
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps and leases.
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

var _ relay.RunStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: relay.NowUnixMilli}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the runs table and its indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			input JSONB NOT NULL,
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			parent_run_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			canceled_at BIGINT NOT NULL DEFAULT 0,
			canceled_by TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(status, updated_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init runs: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a queued run, assigning id and timestamps when empty.
func (s *Store) CreateRun(ctx context.Context, run *relay.Run) error {
	if run.ID == "" {
		run.ID = relay.NewID()
	}
	now := s.now()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	if run.UpdatedAt == 0 {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = relay.StatusQueued
	}
	inputJSON, err := relay.MarshalInput(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, type, title, status, input, attempt, parent_run_id, conversation_id, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Type, run.Title, string(run.Status), inputJSON,
		run.Attempt, run.ParentRunID, run.ConversationID, run.Progress,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

const runColumns = `id, type, title, status, input, output, error, attempt, worker_id,
	lease_expires_at, parent_run_id, conversation_id, canceled_at, canceled_by,
	cancel_reason, progress, created_at, updated_at`

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*relay.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, relay.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by updated_at descending, filtered by status
// when non-empty.
func (s *Store) ListRuns(ctx context.Context, status relay.RunStatus, limit, offset int) ([]*relay.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = $1 ORDER BY updated_at DESC, created_at DESC LIMIT $2 OFFSET $3`
		args = []any{string(status), limit, offset}
	} else {
		query += ` ORDER BY updated_at DESC, created_at DESC LIMIT $1 OFFSET $2`
		args = []any{limit, offset}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunsByConversation returns a conversation's runs, newest first.
func (s *Store) ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]*relay.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE conversation_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by conversation: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Claim atomically takes the oldest claimable run. FOR UPDATE SKIP LOCKED
// keeps concurrent daemons from contending on the same row.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (*relay.Run, bool, error) {
	now := s.now()
	var id string
	err := s.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = 'running', worker_id = $1, lease_expires_at = $2, attempt = attempt + 1, updated_at = $3
		 WHERE id = (
			SELECT id FROM runs
			WHERE status = 'queued' OR (status = 'running' AND lease_expires_at < $3)
			ORDER BY updated_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`,
		workerID, now+lease.Milliseconds(), now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim run: %w", err)
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// Heartbeat extends the lease of a run the worker still owns.
func (s *Store) Heartbeat(ctx context.Context, runID, workerID string, lease time.Duration, progress int) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET lease_expires_at = $1, updated_at = $2,
		     progress = CASE WHEN $3 >= 0 THEN $3 ELSE progress END
		 WHERE id = $4 AND worker_id = $5 AND status = 'running'`,
		now+lease.Milliseconds(), now, progress, runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteSuccess finalizes a run the worker still owns as succeeded.
func (s *Store) CompleteSuccess(ctx context.Context, runID, workerID string, output *relay.TaskResult) (bool, error) {
	return s.complete(ctx, runID, workerID, relay.StatusSucceeded, output, "")
}

// CompleteFailed finalizes as failed with a short error string.
func (s *Store) CompleteFailed(ctx context.Context, runID, workerID string, output *relay.TaskResult, errMsg string) (bool, error) {
	return s.complete(ctx, runID, workerID, relay.StatusFailed, output, errMsg)
}

func (s *Store) complete(ctx context.Context, runID, workerID string, status relay.RunStatus, output *relay.TaskResult, errMsg string) (bool, error) {
	outJSON, err := marshalOutput(output)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $1, output = $2, error = $3, worker_id = '', lease_expires_at = 0, updated_at = $4
		 WHERE id = $5 AND worker_id = $6 AND status = 'running'`,
		string(status), outJSON, errMsg, s.now(), runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteCanceled finalizes as canceled, attaching the envelope.
func (s *Store) CompleteCanceled(ctx context.Context, runID, workerID string, output *relay.TaskResult) (bool, error) {
	outJSON, err := marshalOutput(output)
	if err != nil {
		return false, err
	}
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'canceled', output = $1, worker_id = '', lease_expires_at = 0,
		     canceled_at = CASE WHEN canceled_at = 0 THEN $2 ELSE canceled_at END, updated_at = $3
		 WHERE id = $4 AND ((status = 'running' AND worker_id = $5)
		   OR (status = 'canceled' AND output IS NULL))`,
		outJSON, now, now, runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("complete canceled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Requeue returns a yielded run to queued, clearing the lease.
func (s *Store) Requeue(ctx context.Context, runID, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'queued', worker_id = '', lease_expires_at = 0, updated_at = $1
		 WHERE id = $2 AND worker_id = $3 AND status = 'running'`,
		s.now(), runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("requeue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel requests cancellation with the same semantics as the sqlite store.
func (s *Store) Cancel(ctx context.Context, id, canceledBy, reason string) (*relay.Run, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'canceled', canceled_at = $1, canceled_by = $2, cancel_reason = $3,
		     worker_id = '', lease_expires_at = 0, updated_at = $4
		 WHERE id = $5 AND status IN ('queued', 'running')`,
		now, canceledBy, reason, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if run.Status == relay.StatusCanceled {
			return run, nil
		}
		return nil, relay.ErrNotCancelable
	}
	return run, nil
}

// DeleteRun removes a terminal run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE id = $1 AND status IN ('succeeded', 'failed', 'canceled')`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return relay.ErrNotTerminal
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func scanRun(row pgx.Row) (*relay.Run, error) {
	var (
		run        relay.Run
		status     string
		inputJSON  []byte
		outputJSON []byte
	)
	err := row.Scan(&run.ID, &run.Type, &run.Title, &status, &inputJSON, &outputJSON, &run.Error,
		&run.Attempt, &run.WorkerID, &run.LeaseExpiresAt, &run.ParentRunID, &run.ConversationID,
		&run.CanceledAt, &run.CanceledBy, &run.CancelReason, &run.Progress, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = relay.RunStatus(status)
	run.Input, err = relay.UnmarshalInput(inputJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(outputJSON) > 0 {
		run.Output, err = relay.UnmarshalTaskResult(outputJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return &run, nil
}

func scanRuns(rows pgx.Rows) ([]*relay.Run, error) {
	var runs []*relay.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func marshalOutput(output *relay.TaskResult) ([]byte, error) {
	if output == nil {
		return nil, nil
	}
	data, err := relay.MarshalTaskResult(output)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return data, nil
}
