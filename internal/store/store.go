// Package store persists projects, agents, messages and files.
//
// Two backends implement Store: Memory for tests and single-process runs,
// and SQLite for durable deployments. Both make every single-entity mutation
// atomic: Update* methods run the caller's mutator as one read-modify-write
// step that concurrent callers cannot interleave with.
package store

import (
	"context"
	"time"

	"github.com/p-blackswan/agentcrew/internal/models"
)

// Store is the persistence contract used by the engine.
// Lookups of unknown ids return an error wrapping errors.ErrNotFound.
type Store interface {
	CreateProject(ctx context.Context, p models.Project) (*models.Project, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	UpdateProject(ctx context.Context, id int64, fn func(*models.Project) error) (*models.Project, error)

	CreateAgent(ctx context.Context, a models.Agent) (*models.Agent, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	ListAgents(ctx context.Context, projectID int64) ([]models.Agent, error)
	UpdateAgent(ctx context.Context, id int64, fn func(*models.Agent) error) (*models.Agent, error)

	AppendMessage(ctx context.Context, m models.NewMessage) (*models.Message, error)
	ListMessages(ctx context.Context, projectID int64) ([]models.Message, error)

	CreateFile(ctx context.Context, f models.ProjectFile) (*models.ProjectFile, error)
	GetFile(ctx context.Context, id int64) (*models.ProjectFile, error)
	ListFiles(ctx context.Context, projectID int64) ([]models.ProjectFile, error)
	UpdateFile(ctx context.Context, id int64, fn func(*models.ProjectFile) error) (*models.ProjectFile, error)
	DeleteFile(ctx context.Context, id int64) error

	Ping(ctx context.Context) error
	Close() error
}

// messageTick is the resolution of message timestamps (SQLite stores micros).
const messageTick = time.Microsecond

// nextMessageTime returns a creation time strictly after last.
func nextMessageTime(last, now time.Time) time.Time {
	now = now.Truncate(messageTick)
	if !now.After(last) {
		return last.Add(messageTick)
	}
	return now
}
