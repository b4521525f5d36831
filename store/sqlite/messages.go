package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/relay"
)

// SaveRunMessage persists the chat message for a terminal run. The run_id
// column is unique, so repeated emissions for one run are no-ops with
// created=false.
func (s *Store) SaveRunMessage(ctx context.Context, msg *relay.RunMessage) (bool, error) {
	start := time.Now()
	if msg.ID == "" {
		msg.ID = relay.NewID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_messages (id, run_id, conversation_id, role, text, preview, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RunID, nullStr(msg.ConversationID), msg.Role, msg.Text, nullStr(msg.Preview), msg.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			s.logger.Debug("sqlite: run message exists", "run_id", msg.RunID)
			return false, nil
		}
		s.logger.Error("sqlite: save run message failed", "run_id", msg.RunID, "error", err, "duration", time.Since(start))
		return false, fmt.Errorf("save run message: %w", err)
	}
	s.logger.Debug("sqlite: save run message ok", "run_id", msg.RunID, "duration", time.Since(start))
	return true, nil
}

// ListRunMessages returns a conversation's messages in chronological order.
func (s *Store) ListRunMessages(ctx context.Context, conversationID string, limit int) ([]relay.RunMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, conversation_id, role, text, preview, created_at
		 FROM run_messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run messages: %w", err)
	}
	defer rows.Close()

	var messages []relay.RunMessage
	for rows.Next() {
		var m relay.RunMessage
		var convID, preview sql.NullString
		if err := rows.Scan(&m.ID, &m.RunID, &convID, &m.Role, &m.Text, &preview, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run message: %w", err)
		}
		m.ConversationID = convID.String
		m.Preview = preview.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
