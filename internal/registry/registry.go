// Package registry owns the per-project agent records.
//
// Every mutation is a single read-modify-write in the store. Working
// episodes are serialized per agent: while one episode holds an agent,
// a second one waits (or gives up when its context ends).
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/store"
)

const defaultIndexSize = 1024

// Observer is notified with the new state after every agent mutation.
type Observer func(a models.Agent)

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers fn to receive every updated agent.
func WithObserver(fn Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, fn) }
}

// WithIndexSize bounds the role lookup cache.
func WithIndexSize(n int) Option {
	return func(r *Registry) { r.roles = newRoleIndex(n) }
}

// Registry reads and mutates agents.
type Registry struct {
	store     store.Store
	logger    zerolog.Logger
	roles     *roleIndex
	observers []Observer

	mu    sync.Mutex
	locks map[int64]chan struct{}
}

// New creates a registry over st.
func New(st store.Store, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		logger: logger.With().Str("component", "registry").Logger(),
		roles:  newRoleIndex(defaultIndexSize),
		locks:  make(map[int64]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns every agent of a project, ordered by id.
func (r *Registry) Get(ctx context.Context, projectID int64) ([]models.Agent, error) {
	agents, err := r.store.ListAgents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, perrors.NotFound("agents of project", projectID)
	}
	return agents, nil
}

// FindByRole returns the project's agent for role.
func (r *Registry) FindByRole(ctx context.Context, projectID int64, role models.Role) (*models.Agent, error) {
	key := roleKey{projectID: projectID, role: role}
	if id, ok := r.roles.get(key); ok {
		return r.store.GetAgent(ctx, id)
	}

	agents, err := r.store.ListAgents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if agents[i].Role == role {
			r.roles.put(key, agents[i].ID)
			a := agents[i]
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%s agent of project %d: %w", role, projectID, perrors.ErrNotFound)
}

// UpdateStatus sets an agent's status.
func (r *Registry) UpdateStatus(ctx context.Context, agentID int64, status models.AgentStatus) (*models.Agent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, perrors.ErrInvalidInput)
	}
	return r.mutate(ctx, agentID, func(a *models.Agent) error {
		a.Status = status
		return nil
	})
}

// IncrementCompleted bumps the agent's completed task counter.
// The counter may exceed TasksTotal.
func (r *Registry) IncrementCompleted(ctx context.Context, agentID int64) (*models.Agent, error) {
	return r.mutate(ctx, agentID, func(a *models.Agent) error {
		a.TasksCompleted++
		return nil
	})
}

// Update applies a partial patch from the control surface.
func (r *Registry) Update(ctx context.Context, agentID int64, patch models.AgentPatch) (*models.Agent, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	return r.mutate(ctx, agentID, func(a *models.Agent) error {
		if patch.Status != nil {
			a.Status = *patch.Status
		}
		if patch.Context != nil {
			a.Context = *patch.Context
		}
		if patch.Rules != nil {
			if a.Rules == nil {
				a.Rules = make(map[string]bool, len(patch.Rules))
			}
			for name, on := range patch.Rules {
				a.Rules[name] = on
			}
		}
		if patch.Params != nil {
			a.Params = *patch.Params
		}
		if patch.TasksTotal != nil {
			a.TasksTotal = *patch.TasksTotal
		}
		return nil
	})
}

func validatePatch(p models.AgentPatch) error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("status %q: %w", *p.Status, perrors.ErrInvalidInput)
	}
	if p.Params != nil {
		if err := p.Params.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, perrors.ErrInvalidInput)
		}
	}
	if p.TasksTotal != nil && *p.TasksTotal < 0 {
		return fmt.Errorf("tasksTotal must not be negative: %w", perrors.ErrInvalidInput)
	}
	return nil
}

// Episode runs fn while the agent is Working.
//
// Episodes on the same agent never overlap. The agent returns to Available
// when fn succeeds and to Error when fn fails with ErrGenerationFailure;
// any other failure also leaves it Available. fn receives the Working agent.
func (r *Registry) Episode(ctx context.Context, agentID int64, fn func(ctx context.Context, a *models.Agent) error) error {
	release, err := r.acquire(ctx, agentID)
	if err != nil {
		return err
	}
	defer release()

	working, err := r.UpdateStatus(ctx, agentID, models.StatusWorking)
	if err != nil {
		return err
	}

	runErr := fn(ctx, working)

	final := models.StatusAvailable
	if errors.Is(runErr, perrors.ErrGenerationFailure) {
		final = models.StatusError
	}
	// The episode must end even if the caller's context is gone.
	if _, err := r.UpdateStatus(context.WithoutCancel(ctx), agentID, final); err != nil {
		r.logger.Error().Err(err).Int64("agent_id", agentID).Str("status", string(final)).Msg("Failed to end episode")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// acquire takes the agent's episode lock, honouring ctx while waiting.
func (r *Registry) acquire(ctx context.Context, agentID int64) (func(), error) {
	r.mu.Lock()
	lock, ok := r.locks[agentID]
	if !ok {
		lock = make(chan struct{}, 1)
		r.locks[agentID] = lock
	}
	r.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for agent %d: %w", agentID, ctx.Err())
	}
}

func (r *Registry) mutate(ctx context.Context, agentID int64, fn func(*models.Agent) error) (*models.Agent, error) {
	a, err := r.store.UpdateAgent(ctx, agentID, fn)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Int64("agent_id", a.ID).
		Str("role", string(a.Role)).
		Str("status", string(a.Status)).
		Int("tasks_completed", a.TasksCompleted).
		Msg("Agent updated")
	for _, obs := range r.observers {
		obs(a.Clone())
	}
	return a, nil
}
