// Package coordinator turns an inbound task into agent activity.
//
// Submit persists the user's message, has the coordinator agent acknowledge
// it, then schedules one delayed execution per delegated role. Each
// execution is an isolated agent episode: a failure produces a fallback
// message and leaves the agent in Error without touching its siblings.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/p-blackswan/agentcrew/internal/clock"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/eventbus"
	"github.com/p-blackswan/agentcrew/internal/generator"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/registry"
	"github.com/p-blackswan/agentcrew/internal/scheduler"
	"github.com/p-blackswan/agentcrew/internal/store"
	"github.com/p-blackswan/agentcrew/internal/tracing"
)

// Analyzer maps a task text to the roles that should work on it.
type Analyzer interface {
	Analyze(text string) []models.Role
}

// Publisher broadcasts events to a project's observers.
type Publisher interface {
	Publish(projectID int64, e eventbus.Event) int
}

// Scheduler runs delayed work.
type Scheduler interface {
	Schedule(name string, delay time.Duration, fn scheduler.Func) *scheduler.Job
}

// TokenRecorder charges generation usage to a project budget.
type TokenRecorder interface {
	RecordTokenUsage(ctx context.Context, projectID int64, tokens int) (*models.Project, error)
}

// FallbackFunc renders the message persisted when an agent fails.
type FallbackFunc func(agent models.Agent, task string) string

// Recorder receives execution metrics.
type Recorder interface {
	RecordMessage(kind string)
	RecordExecution(role, result string, seconds float64)
	RecordGenerationFailure(role string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessage(string)                    {}
func (nopRecorder) RecordExecution(string, string, float64) {}
func (nopRecorder) RecordGenerationFailure(string)          {}

// Config bounds the random delay before each delegated execution.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultConfig returns the 1s to 3s delegation window.
func DefaultConfig() Config {
	return Config{MinDelay: time.Second, MaxDelay: 3 * time.Second}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Generator generator.Generator
	Analyzer  Analyzer
	Publisher Publisher
	Scheduler Scheduler
	Fallback  FallbackFunc

	// Optional.
	Tokens   TokenRecorder
	Recorder Recorder
	Tracer   trace.Tracer
	Clock    clock.Clock
	Rand     *rand.Rand
}

// Dispatch is the outcome of Submit.
type Dispatch struct {
	UserMessage     *models.Message
	Acknowledgement *models.Message
	// Degraded is set when the acknowledgement is a fallback message.
	Degraded bool
	Roles    []models.Role
	Jobs     []*scheduler.Job
}

// Wait blocks until every delegated execution has finished.
func (d *Dispatch) Wait(ctx context.Context) error {
	var errs []error
	for _, j := range d.Jobs {
		if err := j.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Coordinator runs the delegation flow.
type Coordinator struct {
	cfg       Config
	store     store.Store
	registry  *registry.Registry
	generator generator.Generator
	analyzer  Analyzer
	publisher Publisher
	scheduler Scheduler
	fallback  FallbackFunc
	tokens    TokenRecorder
	recorder  Recorder
	tracer    trace.Tracer
	clock     clock.Clock
	logger    zerolog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates a coordinator.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Coordinator {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		generator: deps.Generator,
		analyzer:  deps.Analyzer,
		publisher: deps.Publisher,
		scheduler: deps.Scheduler,
		fallback:  deps.Fallback,
		tokens:    deps.Tokens,
		recorder:  deps.Recorder,
		tracer:    deps.Tracer,
		clock:     deps.Clock,
		rnd:       deps.Rand,
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.rnd == nil {
		c.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.fallback == nil {
		c.fallback = func(a models.Agent, task string) string {
			return fmt.Sprintf("[%s] Sorry, I could not finish %q.", a.Name, task)
		}
	}
	return c
}

// Submit handles a user task for a project.
func (c *Coordinator) Submit(ctx context.Context, projectID int64, content string) (_ *Dispatch, err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanSubmit, trace.WithAttributes(tracing.AttrProjectID.Int64(projectID)))
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty task: %w", perrors.ErrInvalidInput)
	}
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == models.ProjectPaused {
		c.logger.Info().Int64("project_id", projectID).Msg("Task received while project is paused")
	}

	userMsg, err := c.persist(ctx, models.NewMessage{
		ProjectID: projectID,
		Content:   content,
		Kind:      models.MessageUser,
	})
	if err != nil {
		return nil, err
	}

	lead, err := c.registry.FindByRole(ctx, projectID, models.RoleCoordinator)
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return nil, fmt.Errorf("project %d has no coordinator agent: %w", projectID, perrors.ErrConfigurationFault)
		}
		return nil, err
	}

	roles := c.analyzer.Analyze(content)
	span.SetAttributes(tracing.AttrRoles.StringSlice(roleStrings(roles)))

	d := &Dispatch{UserMessage: userMsg}
	d.Acknowledgement, err = c.runEpisode(ctx, projectID, lead.ID, content, roles, false)
	if err != nil {
		if !errors.Is(err, perrors.ErrGenerationFailure) || d.Acknowledgement == nil {
			return nil, err
		}
		d.Degraded = true
	}

	for _, role := range roles {
		agent, err := c.registry.FindByRole(ctx, projectID, role)
		if err != nil {
			c.logger.Debug().Err(err).Int64("project_id", projectID).Str("role", string(role)).Msg("Skipping role without agent")
			continue
		}
		agentID := agent.ID
		delay := c.delay()
		job := c.scheduler.Schedule(fmt.Sprintf("%s/project-%d", role, projectID), delay, func(ctx context.Context) error {
			_, err := c.execute(ctx, projectID, agentID, content)
			return err
		})
		d.Roles = append(d.Roles, role)
		d.Jobs = append(d.Jobs, job)
	}

	c.logger.Info().
		Int64("project_id", projectID).
		Strs("roles", roleStrings(d.Roles)).
		Bool("degraded", d.Degraded).
		Msg("Task dispatched")
	return d, nil
}

// Delegate runs one role execution immediately. Unlike Submit, a missing
// agent is reported as NotFound. On generation failure the fallback
// message is returned together with the error.
func (c *Coordinator) Delegate(ctx context.Context, projectID int64, role models.Role, task string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("role %q: %w", role, perrors.ErrInvalidInput)
	}
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("empty task: %w", perrors.ErrInvalidInput)
	}
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	agent, err := c.registry.FindByRole(ctx, projectID, role)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, projectID, agent.ID, task)
}

// execute is one traced role execution.
func (c *Coordinator) execute(ctx context.Context, projectID, agentID int64, task string) (_ *models.Message, err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanRoleExecution, trace.WithAttributes(
		tracing.AttrProjectID.Int64(projectID),
		tracing.AttrAgentID.Int64(agentID),
	))
	defer func() { tracing.End(span, err) }()

	return c.runEpisode(ctx, projectID, agentID, task, nil, true)
}

// runEpisode generates, persists and broadcasts one agent response while
// the agent is Working. On generation failure the fallback message is
// persisted, broadcast and returned along with the error.
func (c *Coordinator) runEpisode(ctx context.Context, projectID, agentID int64, task string, delegates []models.Role, countCompletion bool) (*models.Message, error) {
	var (
		msg  *models.Message
		role models.Role
	)
	start := c.clock.Now()

	err := c.registry.Episode(ctx, agentID, func(ctx context.Context, a *models.Agent) error {
		role = a.Role
		resp, genErr := c.generator.Generate(ctx, generator.Request{Agent: *a, Task: task, Delegates: delegates})
		if genErr != nil {
			if !errors.Is(genErr, perrors.ErrGenerationFailure) {
				genErr = fmt.Errorf("%w: %w", perrors.ErrGenerationFailure, genErr)
			}
			c.recorder.RecordGenerationFailure(string(a.Role))
			c.logger.Error().Err(genErr).
				Int64("project_id", projectID).
				Int64("agent_id", a.ID).
				Str("role", string(a.Role)).
				Msg("Generation failed")

			id := a.ID
			fallback, err := c.persist(ctx, models.NewMessage{
				ProjectID: projectID,
				AgentID:   &id,
				Content:   c.fallback(*a, task),
				Kind:      models.MessageAgentResponse,
				Metadata:  map[string]any{"agentType": string(a.Role), "task": task, "error": true},
			})
			if err != nil {
				c.logger.Error().Err(err).Int64("agent_id", a.ID).Msg("Failed to persist fallback message")
			}
			msg = fallback
			return genErr
		}

		id := a.ID
		m, err := c.persist(ctx, models.NewMessage{
			ProjectID: projectID,
			AgentID:   &id,
			Content:   resp.Content,
			Kind:      models.MessageAgentResponse,
			Metadata:  resp.Metadata,
		})
		if err != nil {
			return err
		}
		msg = m

		if countCompletion {
			if _, err := c.registry.IncrementCompleted(ctx, a.ID); err != nil {
				return err
			}
		}
		c.charge(ctx, projectID, resp.TokensUsed)
		return nil
	})

	result := "ok"
	switch {
	case errors.Is(err, perrors.ErrGenerationFailure):
		result = "fallback"
	case err != nil:
		result = "error"
	}
	if role != "" {
		c.recorder.RecordExecution(string(role), result, c.clock.Now().Sub(start).Seconds())
	}
	return msg, err
}

// persist stores a message and broadcasts it.
func (c *Coordinator) persist(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	m, err := c.store.AppendMessage(ctx, nm)
	if err != nil {
		return nil, err
	}
	c.recorder.RecordMessage(string(m.Kind))
	c.publisher.Publish(m.ProjectID, eventbus.NewMessage(*m))
	return m, nil
}

func (c *Coordinator) charge(ctx context.Context, projectID int64, tokens int) {
	if c.tokens == nil || tokens <= 0 {
		return
	}
	if _, err := c.tokens.RecordTokenUsage(ctx, projectID, tokens); err != nil {
		c.logger.Warn().Err(err).Int64("project_id", projectID).Int("tokens", tokens).Msg("Failed to charge tokens")
	}
}

// delay draws uniformly from [MinDelay, MaxDelay].
func (c *Coordinator) delay() time.Duration {
	span := c.cfg.MaxDelay - c.cfg.MinDelay
	if span <= 0 {
		return c.cfg.MinDelay
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.cfg.MinDelay + time.Duration(c.rnd.Int63n(int64(span)+1))
}

func roleStrings(roles []models.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
