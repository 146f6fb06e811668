package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/p-blackswan/agentcrew/internal/models"
)

func (s *SQLite) AppendMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	if _, err := s.GetProject(ctx, nm.ProjectID); err != nil {
		return nil, err
	}
	metadata, err := encodeJSON(nm.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var msg *models.Message
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM messages WHERE project_id = ?`, nm.ProjectID).Scan(&last); err != nil {
			return fmt.Errorf("last message time: %w", err)
		}
		lastAt := fromMicros(0)
		if last.Valid {
			lastAt = fromMicros(last.Int64)
		}
		created := nextMessageTime(lastAt, s.clock.Now())

		var agentID sql.NullInt64
		if nm.AgentID != nil {
			agentID = sql.NullInt64{Int64: *nm.AgentID, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (project_id, agent_id, content, kind, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			nm.ProjectID, agentID, nm.Content, nm.Kind, metadata, toMicros(created))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		msg = &models.Message{
			ID:        id,
			ProjectID: nm.ProjectID,
			AgentID:   nm.AgentID,
			Content:   nm.Content,
			Kind:      nm.Kind,
			Metadata:  nm.Metadata,
			CreatedAt: fromMicros(toMicros(created)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLite) ListMessages(ctx context.Context, projectID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, agent_id, content, kind, metadata, created_at
		FROM messages WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m        models.Message
			agentID  sql.NullInt64
			metadata sql.NullString
			created  int64
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &agentID, &m.Content, &m.Kind, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if agentID.Valid {
			id := agentID.Int64
			m.AgentID = &id
		}
		if err := decodeJSON(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		m.CreatedAt = fromMicros(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
