package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nevindra/relay"
)

// CreateRun inserts a queued run, assigning id and timestamps when empty.
func (s *Store) CreateRun(ctx context.Context, run *relay.Run) error {
	start := time.Now()
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
	s.logger.Debug("sqlite: create run", "id", run.ID, "type", run.Type)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, type, title, status, input, attempt, parent_run_id, conversation_id, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Type, nullStr(run.Title), string(run.Status), string(inputJSON),
		run.Attempt, nullStr(run.ParentRunID), nullStr(run.ConversationID), run.Progress,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create run failed", "id", run.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: create run ok", "id", run.ID, "duration", time.Since(start))
	return nil
}

const runColumns = `id, type, title, status, input, output, error, attempt, worker_id,
	lease_expires_at, parent_run_id, conversation_id, canceled_at, canceled_by,
	cancel_reason, progress, created_at, updated_at`

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*relay.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	start := time.Now()
	s.logger.Debug("sqlite: list runs", "status", status, "limit", limit, "offset", offset)
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: list runs ok", "count", len(runs), "duration", time.Since(start))
	return runs, nil
}

// ListRunsByConversation returns a conversation's runs, newest first.
func (s *Store) ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]*relay.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by conversation: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Claim atomically takes the oldest claimable run: queued, or running with an
// expired lease. The conditional update stamps ownership and increments
// attempt in the same statement, so concurrent workers cannot double-claim.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (*relay.Run, bool, error) {
	start := time.Now()
	now := s.now()
	expires := now + lease.Milliseconds()

	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE runs
		 SET status = 'running', worker_id = ?, lease_expires_at = ?, attempt = attempt + 1, updated_at = ?
		 WHERE id = (
			SELECT id FROM runs
			WHERE status = 'queued' OR (status = 'running' AND lease_expires_at < ?)
			ORDER BY updated_at ASC, created_at ASC
			LIMIT 1
		 )
		 RETURNING id`,
		workerID, expires, now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: claim failed", "worker_id", workerID, "error", err, "duration", time.Since(start))
		return nil, false, fmt.Errorf("claim run: %w", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	s.logger.Debug("sqlite: claim ok", "id", id, "worker_id", workerID, "attempt", run.Attempt, "duration", time.Since(start))
	return run, true, nil
}

// Heartbeat extends the lease of a run the worker still owns. Returns false
// when the lease was lost or the run left running.
func (s *Store) Heartbeat(ctx context.Context, runID, workerID string, lease time.Duration, progress int) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET lease_expires_at = ?, updated_at = ?,
		     progress = CASE WHEN ? >= 0 THEN ? ELSE progress END
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		now+lease.Milliseconds(), now, progress, progress, runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.logger.Debug("sqlite: heartbeat lost", "id", runID, "worker_id", workerID)
	}
	return n > 0, nil
}

// CompleteSuccess finalizes a run the worker still owns as succeeded.
func (s *Store) CompleteSuccess(ctx context.Context, runID, workerID string, output *relay.TaskResult) (bool, error) {
	return s.complete(ctx, runID, workerID, relay.StatusSucceeded, output, "")
}

// CompleteFailed finalizes as failed with a short error string alongside the
// envelope.
func (s *Store) CompleteFailed(ctx context.Context, runID, workerID string, output *relay.TaskResult, errMsg string) (bool, error) {
	return s.complete(ctx, runID, workerID, relay.StatusFailed, output, errMsg)
}

func (s *Store) complete(ctx context.Context, runID, workerID string, status relay.RunStatus, output *relay.TaskResult, errMsg string) (bool, error) {
	start := time.Now()
	outJSON, err := marshalOutput(output)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, output = ?, error = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		string(status), outJSON, nullStr(errMsg), s.now(), runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: complete", "id", runID, "status", status, "applied", n > 0, "duration", time.Since(start))
	return n > 0, nil
}

// CompleteCanceled finalizes as canceled, attaching the envelope. It applies
// when the worker still owns a running run (canceling on its own) or when
// the run was already canceled out from under it and no envelope has been
// attached yet; Cancel clears the lease, so the canceled arm cannot key on
// worker_id.
func (s *Store) CompleteCanceled(ctx context.Context, runID, workerID string, output *relay.TaskResult) (bool, error) {
	outJSON, err := marshalOutput(output)
	if err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'canceled', output = ?, worker_id = NULL, lease_expires_at = NULL,
		     canceled_at = COALESCE(canceled_at, ?), updated_at = ?
		 WHERE id = ? AND ((status = 'running' AND worker_id = ?)
		   OR (status = 'canceled' AND output IS NULL))`,
		outJSON, now, now, runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("complete canceled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Requeue returns a yielded run to queued, clearing the lease.
func (s *Store) Requeue(ctx context.Context, runID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'queued', worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		s.now(), runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("requeue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel requests cancellation. Queued and running runs transition to
// canceled with metadata stamped and the lease cleared; the owning worker
// can still attach its envelope via CompleteCanceled. Canceling an
// already-canceled run is a no-op; other terminal runs are refused.
func (s *Store) Cancel(ctx context.Context, id, canceledBy, reason string) (*relay.Run, error) {
	start := time.Now()
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'canceled', canceled_at = ?, canceled_by = ?, cancel_reason = ?,
		     worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('queued', 'running')`,
		now, nullStr(canceledBy), nullStr(reason), now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	n, _ := res.RowsAffected()

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if run.Status == relay.StatusCanceled {
			// Idempotent repeat cancel.
			return run, nil
		}
		return nil, relay.ErrNotCancelable
	}
	s.logger.Info("sqlite: run canceled", "id", id, "by", canceledBy, "duration", time.Since(start))
	return run, nil
}

// DeleteRun removes a terminal run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id = ? AND status IN ('succeeded', 'failed', 'canceled')`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}
	// Distinguish absent from non-terminal.
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return relay.ErrNotTerminal
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*relay.Run, error) {
	var (
		run          relay.Run
		status       string
		title        sql.NullString
		inputJSON    string
		outputJSON   sql.NullString
		errStr       sql.NullString
		workerID     sql.NullString
		lease        sql.NullInt64
		parentRunID  sql.NullString
		convID       sql.NullString
		canceledAt   sql.NullInt64
		canceledBy   sql.NullString
		cancelReason sql.NullString
	)
	err := row.Scan(&run.ID, &run.Type, &title, &status, &inputJSON, &outputJSON, &errStr,
		&run.Attempt, &workerID, &lease, &parentRunID, &convID, &canceledAt, &canceledBy,
		&cancelReason, &run.Progress, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = relay.RunStatus(status)
	run.Title = title.String
	run.Error = errStr.String
	run.WorkerID = workerID.String
	run.LeaseExpiresAt = lease.Int64
	run.ParentRunID = parentRunID.String
	run.ConversationID = convID.String
	run.CanceledAt = canceledAt.Int64
	run.CanceledBy = canceledBy.String
	run.CancelReason = cancelReason.String

	run.Input, err = relay.UnmarshalInput([]byte(inputJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		run.Output, err = relay.UnmarshalTaskResult([]byte(outputJSON.String))
		if err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*relay.Run, error) {
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

func marshalOutput(output *relay.TaskResult) (any, error) {
	if output == nil {
		return nil, nil
	}
	data, err := relay.MarshalTaskResult(output)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return string(data), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
