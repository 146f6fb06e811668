package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentcrew/internal/analyzer"
	"github.com/p-blackswan/agentcrew/internal/clock"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/eventbus"
	"github.com/p-blackswan/agentcrew/internal/generator"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/registry"
	"github.com/p-blackswan/agentcrew/internal/scheduler"
	"github.com/p-blackswan/agentcrew/internal/store"
)

type fakeGenerator struct {
	mu     sync.Mutex
	fail   map[models.Role]bool
	tokens int
	calls  []generator.Request
}

func (g *fakeGenerator) Generate(_ context.Context, req generator.Request) (*generator.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.fail[req.Agent.Role] {
		return nil, fmt.Errorf("%s is down: %w", req.Agent.Role, perrors.ErrGenerationFailure)
	}
	content := fmt.Sprintf("%s: %s", req.Agent.Role, req.Task)
	if req.IsAcknowledgement() {
		content = "ack: " + req.Task
	}
	return &generator.Response{
		Content:    content,
		Metadata:   map[string]any{"agentType": string(req.Agent.Role)},
		TokensUsed: g.tokens,
	}, nil
}

type tokenLog struct {
	mu    sync.Mutex
	total int
}

func (l *tokenLog) RecordTokenUsage(_ context.Context, _ int64, n int) (*models.Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += n
	return &models.Project{}, nil
}

type harness struct {
	store  store.Store
	reg    *registry.Registry
	bus    *eventbus.Bus
	sched  *scheduler.Scheduler
	clock  *clock.Fake
	gen    *fakeGenerator
	tokens *tokenLog
	coord  *Coordinator
	sink   *eventbus.ChannelSink

	mu          sync.Mutex
	transitions map[int64][]models.AgentStatus
}

func newHarness(t *testing.T, roles ...models.Role) (*harness, int64) {
	h := &harness{
		clock:       clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		gen:         &fakeGenerator{fail: map[models.Role]bool{}},
		tokens:      &tokenLog{},
		transitions: make(map[int64][]models.AgentStatus),
	}
	h.store = store.NewMemory(h.clock)
	h.bus = eventbus.New(zerolog.Nop())
	h.reg = registry.New(h.store, zerolog.Nop(), registry.WithObserver(func(a models.Agent) {
		h.mu.Lock()
		h.transitions[a.ID] = append(h.transitions[a.ID], a.Status)
		h.mu.Unlock()
	}))
	h.sched = scheduler.New(scheduler.Config{Workers: 4, QueueSize: 100}, h.clock, zerolog.Nop())
	h.sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = h.sched.Stop(ctx)
	})

	h.coord = New(DefaultConfig(), Deps{
		Store:     h.store,
		Registry:  h.reg,
		Generator: h.gen,
		Analyzer:  analyzer.New(),
		Publisher: h.bus,
		Scheduler: h.sched,
		Fallback:  func(a models.Agent, task string) string { return "sorry from " + a.Name },
		Tokens:    h.tokens,
		Clock:     h.clock,
		Rand:      rand.New(rand.NewSource(7)),
	}, zerolog.Nop())

	ctx := context.Background()
	p, err := h.store.CreateProject(ctx, models.Project{Name: "demo", Status: models.ProjectActive, TokensRemaining: 4000})
	require.NoError(t, err)
	if len(roles) == 0 {
		roles = models.Roles
	}
	for _, role := range roles {
		_, err := h.store.CreateAgent(ctx, models.Agent{
			ProjectID:  p.ID,
			Name:       role.DisplayName(),
			Role:       role,
			Status:     models.StatusAvailable,
			TasksTotal: 10,
			Params:     models.GenerationParams{Temperature: 0.5, MaxOutputTokens: 1000},
		})
		require.NoError(t, err)
	}

	h.sink = eventbus.NewChannelSink(256)
	h.bus.Subscribe("observer", p.ID, h.sink)
	return h, p.ID
}

// runAll advances past the delegation window and waits for the jobs.
func (h *harness) runAll(t *testing.T, d *Dispatch) {
	h.clock.Advance(3 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.Wait(ctx)
	require.NoError(t, ctx.Err())
}

func (h *harness) events() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-h.sink.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *harness) agent(t *testing.T, pid int64, role models.Role) *models.Agent {
	a, err := h.reg.FindByRole(context.Background(), pid, role)
	require.NoError(t, err)
	return a
}

func TestSubmit_APIGoesToBackendOnly(t *testing.T) {
	h, pid := newHarness(t)

	d, err := h.coord.Submit(context.Background(), pid, "Create the API")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleBackend}, d.Roles)
	require.Len(t, d.Jobs, 1)
	assert.Equal(t, models.MessageUser, d.UserMessage.Kind)
	assert.Nil(t, d.UserMessage.AgentID)
	assert.Equal(t, "ack: Create the API", d.Acknowledgement.Content)
	assert.False(t, d.Degraded)

	h.runAll(t, d)

	msgs, err := h.store.ListMessages(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Create the API", msgs[0].Content)
	assert.Equal(t, "ack: Create the API", msgs[1].Content)
	assert.Equal(t, "backend: Create the API", msgs[2].Content)

	var broadcast []string
	for _, e := range h.events() {
		if e.Type == eventbus.EventNewMessage {
			broadcast = append(broadcast, e.Message.Content)
		}
	}
	assert.Equal(t, []string{"Create the API", "ack: Create the API", "backend: Create the API"}, broadcast)

	be := h.agent(t, pid, models.RoleBackend)
	assert.Equal(t, 1, be.TasksCompleted)
	assert.Equal(t, models.StatusAvailable, be.Status)
	lead := h.agent(t, pid, models.RoleCoordinator)
	assert.Equal(t, 0, lead.TasksCompleted)
	assert.Equal(t, models.StatusAvailable, lead.Status)
}

func TestSubmit_AckBroadcastBeforeSpecialists(t *testing.T) {
	h, pid := newHarness(t)

	d, err := h.coord.Submit(context.Background(), pid, "Add a test for the server")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleBackend, models.RoleQA}, d.Roles)
	h.runAll(t, d)

	var order []string
	for _, e := range h.events() {
		if e.Type == eventbus.EventNewMessage && e.Message.AgentID != nil {
			order = append(order, e.Message.Content)
		}
	}
	require.Len(t, order, 3)
	assert.Equal(t, "ack: Add a test for the server", order[0])
	assert.ElementsMatch(t, []string{"backend: Add a test for the server", "qa: Add a test for the server"}, order[1:])
}

func TestSubmit_DefaultRoles(t *testing.T) {
	h, pid := newHarness(t)
	d, err := h.coord.Submit(context.Background(), pid, "make it nice")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleFrontend, models.RoleBackend}, d.Roles)
	h.runAll(t, d)
}

func TestSubmit_DelaysWithinWindow(t *testing.T) {
	h, pid := newHarness(t)

	d, err := h.coord.Submit(context.Background(), pid, "deploy, test, server, button")
	require.NoError(t, err)
	require.Len(t, d.Jobs, 4)

	h.clock.Advance(time.Second - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	for _, j := range d.Jobs {
		assert.Equal(t, scheduler.JobScheduled, j.Snapshot().Status)
	}

	h.runAll(t, d)
	for _, j := range d.Jobs {
		assert.Equal(t, scheduler.JobCompleted, j.Snapshot().Status)
	}
	assert.Equal(t, 0, h.clock.Pending())
}

func TestSubmit_MissingCoordinatorIsConfigurationFault(t *testing.T) {
	h, pid := newHarness(t, models.RoleFrontend, models.RoleBackend)

	_, err := h.coord.Submit(context.Background(), pid, "Create the API")
	assert.ErrorIs(t, err, perrors.ErrConfigurationFault)

	msgs, err := h.store.ListMessages(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message is persisted")
	assert.Equal(t, models.MessageUser, msgs[0].Kind)
	assert.Zero(t, h.sched.Stats().Scheduled)
}

func TestSubmit_MissingSpecialistIsSkipped(t *testing.T) {
	h, pid := newHarness(t, models.RoleCoordinator, models.RoleBackend)

	d, err := h.coord.Submit(context.Background(), pid, "test the API")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleBackend}, d.Roles)
	h.runAll(t, d)
}

func TestSubmit_InvalidInput(t *testing.T) {
	h, pid := newHarness(t)

	_, err := h.coord.Submit(context.Background(), pid, "   ")
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	_, err = h.coord.Submit(context.Background(), pid+42, "Create the API")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestSubmit_GenerationFailureIsIsolated(t *testing.T) {
	h, pid := newHarness(t)
	h.gen.fail[models.RoleQA] = true

	d, err := h.coord.Submit(context.Background(), pid, "test the API")
	require.NoError(t, err)
	h.runAll(t, d)

	qa := h.agent(t, pid, models.RoleQA)
	be := h.agent(t, pid, models.RoleBackend)
	assert.Equal(t, models.StatusError, qa.Status)
	assert.Equal(t, 0, qa.TasksCompleted)
	assert.Equal(t, models.StatusAvailable, be.Status)
	assert.Equal(t, 1, be.TasksCompleted)

	var qaJob, beJob *scheduler.Job
	for i, r := range d.Roles {
		switch r {
		case models.RoleQA:
			qaJob = d.Jobs[i]
		case models.RoleBackend:
			beJob = d.Jobs[i]
		}
	}
	assert.ErrorIs(t, qaJob.Wait(context.Background()), perrors.ErrGenerationFailure)
	assert.NoError(t, beJob.Wait(context.Background()))

	msgs, err := h.store.ListMessages(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	var contents []string
	for _, m := range msgs[2:] {
		contents = append(contents, m.Content)
	}
	assert.ElementsMatch(t, []string{"backend: test the API", "sorry from QA"}, contents)
}

func TestSubmit_AckFailureStillDelegates(t *testing.T) {
	h, pid := newHarness(t)
	h.gen.fail[models.RoleCoordinator] = true

	d, err := h.coord.Submit(context.Background(), pid, "Create the API")
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Equal(t, "sorry from Architect", d.Acknowledgement.Content)
	assert.Equal(t, models.StatusError, h.agent(t, pid, models.RoleCoordinator).Status)

	h.runAll(t, d)
	assert.Equal(t, 1, h.agent(t, pid, models.RoleBackend).TasksCompleted)
}

func TestSubmit_ConcurrentSubmitsSerializePerAgent(t *testing.T) {
	h, pid := newHarness(t)
	const n = 8

	var wg sync.WaitGroup
	dispatches := make([]*Dispatch, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := h.coord.Submit(context.Background(), pid, fmt.Sprintf("API #%d", i))
			assert.NoError(t, err)
			dispatches[i] = d
		}(i)
	}
	wg.Wait()

	h.clock.Advance(3 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Wait(ctx))

	be := h.agent(t, pid, models.RoleBackend)
	assert.Equal(t, n, be.TasksCompleted)
	assert.Equal(t, models.StatusAvailable, be.Status)

	// Collapsing repeated states must yield strict Working/Available pairs.
	h.mu.Lock()
	seq := compress(h.transitions[be.ID])
	h.mu.Unlock()
	require.Len(t, seq, 2*n)
	for i, s := range seq {
		want := models.StatusWorking
		if i%2 == 1 {
			want = models.StatusAvailable
		}
		assert.Equal(t, want, s, "transition %d", i)
	}

	msgs, err := h.store.ListMessages(context.Background(), pid)
	require.NoError(t, err)
	assert.Len(t, msgs, 3*n)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
}

func compress(in []models.AgentStatus) []models.AgentStatus {
	var out []models.AgentStatus
	for _, s := range in {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func TestSubmit_ChargesTokens(t *testing.T) {
	h, pid := newHarness(t)
	h.gen.tokens = 120

	d, err := h.coord.Submit(context.Background(), pid, "Create the API")
	require.NoError(t, err)
	h.runAll(t, d)

	h.tokens.mu.Lock()
	defer h.tokens.mu.Unlock()
	assert.Equal(t, 240, h.tokens.total)
}

func TestDelegate(t *testing.T) {
	h, pid := newHarness(t, models.RoleCoordinator, models.RoleOps, models.RoleQA)
	ctx := context.Background()

	msg, err := h.coord.Delegate(ctx, pid, models.RoleOps, "write the README")
	require.NoError(t, err)
	assert.Equal(t, "ops: write the README", msg.Content)
	assert.Equal(t, 1, h.agent(t, pid, models.RoleOps).TasksCompleted)

	_, err = h.coord.Delegate(ctx, pid, models.RoleFrontend, "button")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	_, err = h.coord.Delegate(ctx, pid, models.Role("designer"), "x")
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	h.gen.fail[models.RoleQA] = true
	msg, err = h.coord.Delegate(ctx, pid, models.RoleQA, "check")
	assert.ErrorIs(t, err, perrors.ErrGenerationFailure)
	require.NotNil(t, msg)
	assert.Equal(t, "sorry from QA", msg.Content)
}

func TestDelay_Bounds(t *testing.T) {
	c := New(Config{MinDelay: time.Second, MaxDelay: 3 * time.Second}, Deps{Rand: rand.New(rand.NewSource(1))}, zerolog.Nop())
	for i := 0; i < 1000; i++ {
		d := c.delay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}

	fixed := New(Config{MinDelay: 2 * time.Second, MaxDelay: time.Second}, Deps{}, zerolog.Nop())
	assert.Equal(t, 2*time.Second, fixed.delay())
}
