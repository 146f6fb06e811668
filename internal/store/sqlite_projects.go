package store

import (
	"context"
	"database/sql"
	"fmt"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

const projectColumns = `id, name, description, status, tokens_used, tokens_remaining, snapshot, created_at, updated_at`

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p                models.Project
		snapshot         sql.NullString
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.TokensUsed,
		&p.TokensRemaining, &snapshot, &created, &updated); err != nil {
		return nil, err
	}
	if snapshot.Valid {
		p.Snapshot = &models.Snapshot{}
		if err := decodeJSON(snapshot, p.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	p.CreatedAt = fromMicros(created)
	p.UpdatedAt = fromMicros(updated)
	return &p, nil
}

func (s *SQLite) CreateProject(ctx context.Context, p models.Project) (*models.Project, error) {
	snapshot, err := encodeJSON(p.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, description, status, tokens_used, tokens_remaining, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.Status, p.TokensUsed, p.TokensRemaining, snapshot,
		toMicros(now), toMicros(now))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("project id: %w", err)
	}
	return s.GetProject(ctx, id)
}

func (s *SQLite) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, perrors.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLite) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateProject(ctx context.Context, id int64, fn func(*models.Project) error) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *models.Project
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProject(tx.QueryRowContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
		if isNoRows(err) {
			return perrors.NotFound("project", id)
		}
		if err != nil {
			return fmt.Errorf("get project: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
		snapshot, err := encodeJSON(p.Snapshot)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		p.ID = id
		p.UpdatedAt = s.clock.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET name = ?, description = ?, status = ?, tokens_used = ?,
				tokens_remaining = ?, snapshot = ?, updated_at = ?
			WHERE id = ?`,
			p.Name, p.Description, p.Status, p.TokensUsed, p.TokensRemaining, snapshot,
			toMicros(p.UpdatedAt), id); err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Round-trip the timestamp through the column resolution.
	updated.UpdatedAt = fromMicros(toMicros(updated.UpdatedAt))
	return updated, nil
}
