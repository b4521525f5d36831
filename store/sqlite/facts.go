package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nevindra/relay"
)

// ErrFactNotFound is returned when a fact id does not exist.
var ErrFactNotFound = errors.New("fact not found")

// ListFacts returns facts filtered by scope, status, and owning session or
// project. Empty filter values match everything.
func (s *Store) ListFacts(ctx context.Context, scope, status, sessionID, projectID string) ([]relay.Fact, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list facts", "scope", scope, "status", status, "session_id", sessionID)

	query := `SELECT id, key, value, status, scope, session_id, project_id, created_at, updated_at FROM facts WHERE 1=1`
	var args []any
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY key, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []relay.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	s.logger.Debug("sqlite: list facts ok", "count", len(facts), "duration", time.Since(start))
	return facts, nil
}

// UpsertFact inserts or replaces a fact, assigning id and timestamps when
// empty.
func (s *Store) UpsertFact(ctx context.Context, f *relay.Fact) error {
	if f.ID == "" {
		f.ID = relay.NewID()
	}
	now := s.now()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = relay.FactStatusActive
	}
	if f.Scope == "" {
		f.Scope = relay.ScopeGlobal
	}
	valueJSON, err := json.Marshal(f.Value)
	if err != nil {
		return fmt.Errorf("marshal fact value: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO facts (id, key, value, status, scope, session_id, project_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Key, string(valueJSON), f.Status, f.Scope,
		nullStr(f.SessionID), nullStr(f.ProjectID), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert fact failed", "id", f.ID, "error", err)
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

// SetFactStatus flips a fact between active and archived.
func (s *Store) SetFactStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), id)
	if err != nil {
		return fmt.Errorf("set fact status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrFactNotFound
	}
	return nil
}

// DeleteFact removes a fact by id.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrFactNotFound
	}
	return nil
}

func scanFact(rows *sql.Rows) (relay.Fact, error) {
	var (
		f         relay.Fact
		valueJSON sql.NullString
		sessionID sql.NullString
		projectID sql.NullString
	)
	if err := rows.Scan(&f.ID, &f.Key, &valueJSON, &f.Status, &f.Scope, &sessionID, &projectID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return relay.Fact{}, fmt.Errorf("scan fact: %w", err)
	}
	f.SessionID = sessionID.String
	f.ProjectID = projectID.String
	if valueJSON.Valid && valueJSON.String != "" {
		if err := json.Unmarshal([]byte(valueJSON.String), &f.Value); err != nil {
			// Legacy rows may hold bare strings.
			f.Value = valueJSON.String
		}
	}
	return f, nil
}
