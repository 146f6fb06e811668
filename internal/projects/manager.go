// Package projects manages project lifecycle: creation with the default
// roster and file tree, pause/resume snapshots, token budget and files.
package projects

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/p-blackswan/agentcrew/internal/clock"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/eventbus"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/store"
	"github.com/p-blackswan/agentcrew/internal/tracing"
)

const snapshotContext = "Project state captured for continuation"

// DefaultTokenBudget is the initial token allowance of a project.
const DefaultTokenBudget = 4000

// Publisher broadcasts project events.
type Publisher interface {
	Publish(projectID int64, e eventbus.Event) int
}

// Recorder receives project metrics.
type Recorder interface {
	RecordTransition(status string)
	RecordTokens(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string) {}
func (nopRecorder) RecordTokens(int)        {}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

// WithTracer sets the tracer for pause and resume spans.
func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

// WithClock sets the clock used for snapshot timestamps.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithTokenBudget sets the budget of new projects.
func WithTokenBudget(n int) Option { return func(m *Manager) { m.budget = n } }

// WithSnapshotTTL sets how long decoded snapshots stay cached.
func WithSnapshotTTL(d time.Duration) Option { return func(m *Manager) { m.snapshotTTL = d } }

// CreateInput is the payload for Create.
type CreateInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// TokenBudget overrides the default budget when positive.
	TokenBudget int `json:"tokenBudget"`
}

// Manager is the project state manager.
type Manager struct {
	store       store.Store
	publisher   Publisher
	recorder    Recorder
	tracer      trace.Tracer
	clock       clock.Clock
	budget      int
	snapshotTTL time.Duration
	snapshots   *snapshotCache
	logger      zerolog.Logger

	// pauseMu serializes snapshot capture with the status write.
	pauseMu sync.Mutex
	// filesMu guards the path uniqueness check.
	filesMu sync.Mutex
}

// New creates a Manager.
func New(st store.Store, pub Publisher, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		publisher:   pub,
		recorder:    nopRecorder{},
		tracer:      noop.NewTracerProvider().Tracer("noop"),
		clock:       clock.New(),
		budget:      DefaultTokenBudget,
		snapshotTTL: snapshotTTL,
		logger:      logger.With().Str("component", "projects").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	m.snapshots = newSnapshotCache(m.snapshotTTL, m.logger)
	return m
}

// Create stores a project with its five agents and default file tree.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("project name is required: %w", perrors.ErrInvalidInput)
	}
	if in.TokenBudget < 0 {
		return nil, fmt.Errorf("token budget %d: %w", in.TokenBudget, perrors.ErrInvalidInput)
	}
	budget := m.budget
	if in.TokenBudget > 0 {
		budget = in.TokenBudget
	}

	p, err := m.store.CreateProject(ctx, models.Project{
		Name:            name,
		Description:     strings.TrimSpace(in.Description),
		Status:          models.ProjectActive,
		TokensRemaining: budget,
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	for _, a := range DefaultAgents(p.ID) {
		if _, err := m.store.CreateAgent(ctx, a); err != nil {
			return nil, fmt.Errorf("create %s agent: %w", a.Role, err)
		}
	}
	for _, f := range DefaultTree(*p) {
		if _, err := m.store.CreateFile(ctx, f); err != nil {
			return nil, fmt.Errorf("create %s: %w", f.Path, err)
		}
	}

	m.logger.Info().Int64("project_id", p.ID).Str("name", p.Name).Msg("Project created")
	return p, nil
}

// Get returns one project.
func (m *Manager) Get(ctx context.Context, id int64) (*models.Project, error) {
	return m.store.GetProject(ctx, id)
}

// List returns every project.
func (m *Manager) List(ctx context.Context) ([]models.Project, error) {
	return m.store.ListProjects(ctx)
}

// Pause captures a snapshot and marks the project paused. Pausing a
// paused project captures a fresh snapshot. Executions already running
// keep going; their messages are not part of this snapshot.
func (m *Manager) Pause(ctx context.Context, id int64) (_ *models.Project, err error) {
	ctx, span := m.tracer.Start(ctx, tracing.SpanPause, trace.WithAttributes(tracing.AttrProjectID.Int64(id)))
	defer func() { tracing.End(span, err) }()

	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()

	if _, err := m.store.GetProject(ctx, id); err != nil {
		return nil, err
	}
	snap, err := m.capture(ctx, id)
	if err != nil {
		return nil, err
	}

	p, err := m.store.UpdateProject(ctx, id, func(p *models.Project) error {
		p.Status = models.ProjectPaused
		p.Snapshot = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.snapshots.set(id, snap)

	m.recorder.RecordTransition(string(models.ProjectPaused))
	m.publisher.Publish(id, eventbus.ProjectUpdated(*p))
	m.logger.Info().
		Int64("project_id", id).
		Int("agents", len(snap.Agents)).
		Int("messages", len(snap.Messages)).
		Int("files", len(snap.Files)).
		Msg("Project paused")
	return p, nil
}

// Resume marks the project active. Resuming an active project changes
// nothing and does not fail.
func (m *Manager) Resume(ctx context.Context, id int64) (_ *models.Project, err error) {
	ctx, span := m.tracer.Start(ctx, tracing.SpanResume, trace.WithAttributes(tracing.AttrProjectID.Int64(id)))
	defer func() { tracing.End(span, err) }()

	current, err := m.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.ProjectActive {
		return current, nil
	}
	if current.Snapshot != nil {
		m.logger.Info().
			Int64("project_id", id).
			Time("snapshot_at", current.Snapshot.Timestamp).
			Msg("Restoring project from snapshot")
	}

	p, err := m.store.UpdateProject(ctx, id, func(p *models.Project) error {
		p.Status = models.ProjectActive
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recorder.RecordTransition(string(models.ProjectActive))
	m.publisher.Publish(id, eventbus.ProjectUpdated(*p))
	m.logger.Info().Int64("project_id", id).Msg("Project resumed")
	return p, nil
}

// Snapshot returns the snapshot stored by the last pause.
func (m *Manager) Snapshot(ctx context.Context, id int64) (*models.Snapshot, error) {
	if s, ok := m.snapshots.get(id); ok {
		return s, nil
	}
	p, err := m.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Snapshot == nil {
		return nil, perrors.NotFound("snapshot of project", id)
	}
	m.snapshots.set(id, p.Snapshot)
	return p.Snapshot, nil
}

// RecordTokenUsage charges tokens to the project budget. The remaining
// budget never drops below zero.
func (m *Manager) RecordTokenUsage(ctx context.Context, id int64, tokens int) (*models.Project, error) {
	if tokens < 0 {
		return nil, fmt.Errorf("token count %d: %w", tokens, perrors.ErrInvalidInput)
	}
	p, err := m.store.UpdateProject(ctx, id, func(p *models.Project) error {
		p.ChargeTokens(tokens)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.recorder.RecordTokens(tokens)
	if p.TokensRemaining == 0 && tokens > 0 {
		m.logger.Warn().Int64("project_id", id).Int("tokens_used", p.TokensUsed).Msg("Token budget exhausted")
	}
	return p, nil
}

func (m *Manager) capture(ctx context.Context, id int64) (*models.Snapshot, error) {
	agents, err := m.store.ListAgents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("snapshot agents: %w", err)
	}
	messages, err := m.store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("snapshot messages: %w", err)
	}
	files, err := m.store.ListFiles(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("snapshot files: %w", err)
	}
	return &models.Snapshot{
		Timestamp: m.clock.Now().UTC(),
		Agents:    agents,
		Messages:  messages,
		Files:     files,
		Context:   snapshotContext,
	}, nil
}

// cleanPath normalizes a tree path to slash-separated, relative form.
func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return "", fmt.Errorf("empty path: %w", perrors.ErrInvalidInput)
	}
	return p, nil
}

func newNode(projectID int64, p string, kind models.FileKind, content string) models.ProjectFile {
	return models.ProjectFile{
		ProjectID: projectID,
		Path:      p,
		Name:      path.Base(p),
		Content:   content,
		Kind:      kind,
		Size:      len(content),
	}
}
