package store

import (
	"context"
	"database/sql"
	"fmt"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

const agentColumns = `id, project_id, name, role, status, tasks_completed, tasks_total, context, rules, temperature, max_output_tokens`

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a     models.Agent
		rules sql.NullString
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Role, &a.Status, &a.TasksCompleted,
		&a.TasksTotal, &a.Context, &rules, &a.Params.Temperature, &a.Params.MaxOutputTokens); err != nil {
		return nil, err
	}
	if err := decodeJSON(rules, &a.Rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &a, nil
}

func (s *SQLite) CreateAgent(ctx context.Context, a models.Agent) (*models.Agent, error) {
	if _, err := s.GetProject(ctx, a.ProjectID); err != nil {
		return nil, err
	}
	rules, err := encodeJSON(a.Rules)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (project_id, name, role, status, tasks_completed, tasks_total, context, rules, temperature, max_output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ProjectID, a.Name, a.Role, a.Status, a.TasksCompleted, a.TasksTotal, a.Context, rules,
		a.Params.Temperature, a.Params.MaxOutputTokens)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	return s.GetAgent(ctx, id)
}

func (s *SQLite) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, perrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLite) ListAgents(ctx context.Context, projectID int64) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateAgent(ctx context.Context, id int64, fn func(*models.Agent) error) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *models.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
		if isNoRows(err) {
			return perrors.NotFound("agent", id)
		}
		if err != nil {
			return fmt.Errorf("get agent: %w", err)
		}
		projectID, role := a.ProjectID, a.Role
		if err := fn(a); err != nil {
			return err
		}
		a.ID, a.ProjectID, a.Role = id, projectID, role
		rules, err := encodeJSON(a.Rules)
		if err != nil {
			return fmt.Errorf("encode rules: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET name = ?, status = ?, tasks_completed = ?, tasks_total = ?, context = ?,
				rules = ?, temperature = ?, max_output_tokens = ?
			WHERE id = ?`,
			a.Name, a.Status, a.TasksCompleted, a.TasksTotal, a.Context, rules,
			a.Params.Temperature, a.Params.MaxOutputTokens, id); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
