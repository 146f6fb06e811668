package store

import (
	"context"
	"database/sql"
	"fmt"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

const fileColumns = `id, project_id, path, name, content, kind, size, created_at, updated_at`

func scanFile(row rowScanner) (*models.ProjectFile, error) {
	var (
		f                models.ProjectFile
		created, updated int64
	)
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Name, &f.Content, &f.Kind, &f.Size,
		&created, &updated); err != nil {
		return nil, err
	}
	f.CreatedAt = fromMicros(created)
	f.UpdatedAt = fromMicros(updated)
	return &f, nil
}

func (s *SQLite) CreateFile(ctx context.Context, f models.ProjectFile) (*models.ProjectFile, error) {
	if _, err := s.GetProject(ctx, f.ProjectID); err != nil {
		return nil, err
	}
	now := toMicros(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO project_files (project_id, path, name, content, kind, size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ProjectID, f.Path, f.Name, f.Content, f.Kind, f.Size, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("file id: %w", err)
	}
	return s.GetFile(ctx, id)
}

func (s *SQLite) GetFile(ctx context.Context, id int64) (*models.ProjectFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM project_files WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, perrors.NotFound("file", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *SQLite) ListFiles(ctx context.Context, projectID int64) ([]models.ProjectFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM project_files WHERE project_id = ? ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []models.ProjectFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateFile(ctx context.Context, id int64, fn func(*models.ProjectFile) error) (*models.ProjectFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *models.ProjectFile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := scanFile(tx.QueryRowContext(ctx,
			`SELECT `+fileColumns+` FROM project_files WHERE id = ?`, id))
		if isNoRows(err) {
			return perrors.NotFound("file", id)
		}
		if err != nil {
			return fmt.Errorf("get file: %w", err)
		}
		projectID := f.ProjectID
		if err := fn(f); err != nil {
			return err
		}
		f.ID, f.ProjectID = id, projectID
		f.UpdatedAt = fromMicros(toMicros(s.clock.Now()))
		if _, err := tx.ExecContext(ctx, `
			UPDATE project_files SET path = ?, name = ?, content = ?, kind = ?, size = ?, updated_at = ?
			WHERE id = ?`,
			f.Path, f.Name, f.Content, f.Kind, f.Size, toMicros(f.UpdatedAt), id); err != nil {
			return fmt.Errorf("update file: %w", err)
		}
		updated = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLite) DeleteFile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n == 0 {
		return perrors.NotFound("file", id)
	}
	return nil
}
