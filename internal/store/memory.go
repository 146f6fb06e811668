package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-blackswan/agentcrew/internal/clock"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

// Memory is an in-process Store guarded by a single RWMutex.
type Memory struct {
	mu       sync.RWMutex
	clock    clock.Clock
	projects map[int64]*models.Project
	agents   map[int64]*models.Agent
	messages map[int64][]models.Message // project id → append-only log
	files    map[int64]*models.ProjectFile
	lastMsg  map[int64]time.Time

	projectSeq atomic.Int64
	agentSeq   atomic.Int64
	messageSeq atomic.Int64
	fileSeq    atomic.Int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.New()
	}
	return &Memory{
		clock:    c,
		projects: make(map[int64]*models.Project),
		agents:   make(map[int64]*models.Agent),
		messages: make(map[int64][]models.Message),
		files:    make(map[int64]*models.ProjectFile),
		lastMsg:  make(map[int64]time.Time),
	}
}

func (m *Memory) CreateProject(_ context.Context, p models.Project) (*models.Project, error) {
	now := m.clock.Now()
	p.ID = m.projectSeq.Add(1)
	p.CreatedAt = now
	p.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := p
	m.projects[p.ID] = &stored
	out := stored
	return &out, nil
}

func (m *Memory) GetProject(_ context.Context, id int64) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, perrors.NotFound("project", id)
	}
	out := *p
	return &out, nil
}

func (m *Memory) ListProjects(_ context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateProject(_ context.Context, id int64, fn func(*models.Project) error) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, perrors.NotFound("project", id)
	}
	draft := *p
	if err := fn(&draft); err != nil {
		return nil, err
	}
	draft.ID = p.ID
	draft.UpdatedAt = m.clock.Now()
	*p = draft
	out := draft
	return &out, nil
}

func (m *Memory) CreateAgent(_ context.Context, a models.Agent) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[a.ProjectID]; !ok {
		return nil, perrors.NotFound("project", a.ProjectID)
	}
	a.ID = m.agentSeq.Add(1)
	stored := a.Clone()
	m.agents[a.ID] = &stored
	out := stored.Clone()
	return &out, nil
}

func (m *Memory) GetAgent(_ context.Context, id int64) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, perrors.NotFound("agent", id)
	}
	out := a.Clone()
	return &out, nil
}

func (m *Memory) ListAgents(_ context.Context, projectID int64) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Agent
	for _, a := range m.agents {
		if a.ProjectID == projectID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateAgent(_ context.Context, id int64, fn func(*models.Agent) error) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, perrors.NotFound("agent", id)
	}
	draft := a.Clone()
	if err := fn(&draft); err != nil {
		return nil, err
	}
	draft.ID, draft.ProjectID, draft.Role = a.ID, a.ProjectID, a.Role
	*a = draft
	out := draft.Clone()
	return &out, nil
}

func (m *Memory) AppendMessage(_ context.Context, nm models.NewMessage) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[nm.ProjectID]; !ok {
		return nil, perrors.NotFound("project", nm.ProjectID)
	}
	created := nextMessageTime(m.lastMsg[nm.ProjectID], m.clock.Now())
	m.lastMsg[nm.ProjectID] = created

	msg := models.Message{
		ID:        m.messageSeq.Add(1),
		ProjectID: nm.ProjectID,
		AgentID:   nm.AgentID,
		Content:   nm.Content,
		Kind:      nm.Kind,
		Metadata:  nm.Metadata,
		CreatedAt: created,
	}
	m.messages[nm.ProjectID] = append(m.messages[nm.ProjectID], msg)
	return &msg, nil
}

func (m *Memory) ListMessages(_ context.Context, projectID int64) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.messages[projectID]
	out := make([]models.Message, len(log))
	copy(out, log)
	return out, nil
}

func (m *Memory) CreateFile(_ context.Context, f models.ProjectFile) (*models.ProjectFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[f.ProjectID]; !ok {
		return nil, perrors.NotFound("project", f.ProjectID)
	}
	now := m.clock.Now()
	f.ID = m.fileSeq.Add(1)
	f.CreatedAt = now
	f.UpdatedAt = now
	stored := f
	m.files[f.ID] = &stored
	out := stored
	return &out, nil
}

func (m *Memory) GetFile(_ context.Context, id int64) (*models.ProjectFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, perrors.NotFound("file", id)
	}
	out := *f
	return &out, nil
}

func (m *Memory) ListFiles(_ context.Context, projectID int64) ([]models.ProjectFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProjectFile
	for _, f := range m.files {
		if f.ProjectID == projectID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) UpdateFile(_ context.Context, id int64, fn func(*models.ProjectFile) error) (*models.ProjectFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, perrors.NotFound("file", id)
	}
	draft := *f
	if err := fn(&draft); err != nil {
		return nil, err
	}
	draft.ID, draft.ProjectID = f.ID, f.ProjectID
	draft.UpdatedAt = m.clock.Now()
	*f = draft
	out := draft
	return &out, nil
}

func (m *Memory) DeleteFile(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return perrors.NotFound("file", id)
	}
	delete(m.files, id)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
