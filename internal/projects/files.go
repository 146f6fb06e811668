package projects

import (
	"context"
	"fmt"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

// ListFiles returns the project's tree ordered by path.
func (m *Manager) ListFiles(ctx context.Context, projectID int64) ([]models.ProjectFile, error) {
	if _, err := m.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return m.store.ListFiles(ctx, projectID)
}

// CreateFile adds a file node.
func (m *Manager) CreateFile(ctx context.Context, projectID int64, filePath, content string) (*models.ProjectFile, error) {
	return m.createNode(ctx, projectID, filePath, models.FileKindFile, content)
}

// CreateFolder adds a folder node.
func (m *Manager) CreateFolder(ctx context.Context, projectID int64, folderPath string) (*models.ProjectFile, error) {
	return m.createNode(ctx, projectID, folderPath, models.FileKindFolder, "")
}

func (m *Manager) createNode(ctx context.Context, projectID int64, rawPath string, kind models.FileKind, content string) (*models.ProjectFile, error) {
	p, err := cleanPath(rawPath)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	m.filesMu.Lock()
	defer m.filesMu.Unlock()

	existing, err := m.store.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if f.Path == p {
			return nil, fmt.Errorf("%s already exists: %w", p, perrors.ErrInvalidState)
		}
	}

	f, err := m.store.CreateFile(ctx, newNode(projectID, p, kind, content))
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Int64("project_id", projectID).Str("path", p).Str("kind", string(kind)).Msg("File created")
	return f, nil
}

// UpdateFile replaces a file's content. Folders have no content.
func (m *Manager) UpdateFile(ctx context.Context, id int64, content string) (*models.ProjectFile, error) {
	return m.store.UpdateFile(ctx, id, func(f *models.ProjectFile) error {
		if f.Kind == models.FileKindFolder {
			return fmt.Errorf("%s is a folder: %w", f.Path, perrors.ErrInvalidInput)
		}
		f.Content = content
		f.Size = len(content)
		return nil
	})
}

// DeleteFile removes one node.
func (m *Manager) DeleteFile(ctx context.Context, id int64) error {
	return m.store.DeleteFile(ctx, id)
}
