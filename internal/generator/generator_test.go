package generator

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/llm"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/retry"
)

func defaultCatalogT(t *testing.T) *Catalog {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	return c
}

func agent(role models.Role) models.Agent {
	return models.Agent{
		ID:     1,
		Name:   role.DisplayName(),
		Role:   role,
		Status: models.StatusWorking,
		Params: models.GenerationParams{Temperature: 0.5, MaxOutputTokens: 800},
	}
}

func TestDefaultCatalog_CoversEveryRole(t *testing.T) {
	c := defaultCatalogT(t)
	for _, role := range models.Roles {
		assert.NotEmpty(t, c.responses[role], "role %s", role)
		assert.NotEmpty(t, c.Responsibilities[role], "role %s", role)
	}
	assert.Equal(t, "Validate all input data", c.RuleDescription("validateInputs"))
	assert.Equal(t, "unknownRule", c.RuleDescription("unknownRule"))
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "responses: [",
		"missing role": "responses:\n  frontend: [\"x\"]\n",
		"unknown role": "responses:\n  designer: [\"x\"]\n",
		"bad template": "acknowledgement: \"{{.Task\"\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.ErrorIs(t, err, perrors.ErrConfigurationFault)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Acknowledgement)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, perrors.ErrConfigurationFault)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := "acknowledgement: \"ok {{.Task}}\"\nresponses:\n"
	for _, r := range models.Roles {
		doc += "  " + string(r) + ": [\"" + string(r) + " did {{.Task}}\"]\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	c, err = LoadCatalog(path)
	require.NoError(t, err)

	resp, err := NewTemplate(c).Generate(context.Background(), Request{Agent: agent(models.RoleQA), Task: "login"})
	require.NoError(t, err)
	assert.Equal(t, "qa did login", resp.Content)
}

func TestTemplate_Acknowledgement(t *testing.T) {
	g := NewTemplate(defaultCatalogT(t))
	resp, err := g.Generate(context.Background(), Request{
		Agent:     agent(models.RoleCoordinator),
		Task:      "Create the API",
		Delegates: []models.Role{models.RoleBackend, models.RoleQA},
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Content, `"Create the API"`)
	assert.Contains(t, resp.Content, "• [Back-End] Create the APIs needed for: Create the API")
	assert.Contains(t, resp.Content, "• [QA] Write automated tests")
	assert.NotContains(t, resp.Content, "[Front-End]")
	assert.Equal(t, true, resp.Metadata["delegation"])
	assert.Equal(t, 4, resp.Metadata["tasksCreated"])
	assert.Equal(t, []string{"backend", "qa"}, resp.Metadata["involvedAgents"])
	assert.Zero(t, resp.TokensUsed)
}

func TestTemplate_RoleResponseVariants(t *testing.T) {
	c := defaultCatalogT(t)
	g := NewTemplate(c, WithRand(rand.New(rand.NewSource(1))))
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		resp, err := g.Generate(context.Background(), Request{Agent: agent(models.RoleFrontend), Task: "login page"})
		require.NoError(t, err)
		assert.Contains(t, resp.Content, `"login page"`)
		assert.Equal(t, "frontend", resp.Metadata["agentType"])
		seen[resp.Content] = true
	}
	assert.Len(t, seen, len(c.responses[models.RoleFrontend]))
}

func TestTemplate_CoordinatorWithoutDelegatesUsesResponses(t *testing.T) {
	g := NewTemplate(defaultCatalogT(t))
	resp, err := g.Generate(context.Background(), Request{Agent: agent(models.RoleCoordinator), Task: "plan"})
	require.NoError(t, err)
	assert.Nil(t, resp.Metadata["delegation"])
	assert.Equal(t, true, resp.Metadata["completed"])
}

func TestFallbackMessage(t *testing.T) {
	c := defaultCatalogT(t)
	msg := c.FallbackMessage(agent(models.RoleQA), "check login")
	assert.True(t, strings.HasPrefix(msg, "[QA] Sorry"))
	assert.Contains(t, msg, `"check login"`)
}

type fakeProvider struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []llm.CompletionRequest
}

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	text := ""
	if len(f.replies) > 0 {
		text = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &llm.CompletionResponse{Text: text, InputTokens: 100, OutputTokens: 50}, nil
}

func (f *fakeProvider) ModelID() string { return "fake-model" }

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestModel_ParsesEnvelope(t *testing.T) {
	p := &fakeProvider{replies: []string{"```json\n{\"content\": \"--- DONE ---\\n• API\", \"metadata\": {\"priority\": \"high\"}}\n```"}}
	m := NewModel(p, defaultCatalogT(t), fastRetry(), zerolog.Nop())

	a := agent(models.RoleBackend)
	a.Rules = map[string]bool{"validateInputs": true, "useNodeJS": false}
	a.Context = "Go services"
	resp, err := m.Generate(context.Background(), Request{Agent: a, Task: "Create the API"})
	require.NoError(t, err)

	assert.Equal(t, "--- DONE ---\n• API", resp.Content)
	assert.Equal(t, "high", resp.Metadata["priority"])
	assert.Equal(t, "backend", resp.Metadata["agentType"])
	assert.Equal(t, 150, resp.TokensUsed)

	require.Len(t, p.requests, 1)
	req := p.requests[0]
	assert.Equal(t, 800, req.MaxTokens)
	assert.InDelta(t, 0.5, req.Temperature, 1e-9)
	assert.Contains(t, req.SystemPrompt, "SPECIFIC CONTEXT: Go services")
	assert.Contains(t, req.SystemPrompt, "- Validate all input data")
	assert.NotContains(t, req.SystemPrompt, "Node.js + Express for the backend")
	assert.Contains(t, req.Messages[0].Content, "Create the API")
}

func TestModel_RawTextFallback(t *testing.T) {
	p := &fakeProvider{replies: []string{"just text"}}
	m := NewModel(p, defaultCatalogT(t), fastRetry(), zerolog.Nop())

	resp, err := m.Generate(context.Background(), Request{
		Agent:     agent(models.RoleCoordinator),
		Task:      "ship it",
		Delegates: []models.Role{models.RoleOps},
	})
	require.NoError(t, err)
	assert.Equal(t, "just text", resp.Content)
	assert.Equal(t, true, resp.Metadata["delegation"])
	assert.Contains(t, p.requests[0].Messages[0].Content, "DevOps")
}

func TestModel_RetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{
		errs:    []error{perrors.NewAPIError("anthropic", 529, "overloaded"), nil},
		replies: []string{`{"content": "done"}`},
	}
	m := NewModel(p, defaultCatalogT(t), fastRetry(), zerolog.Nop())

	resp, err := m.Generate(context.Background(), Request{Agent: agent(models.RoleQA), Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Len(t, p.requests, 2)
}

func TestModel_FailuresAreGenerationFailures(t *testing.T) {
	permanent := perrors.NewAPIError("anthropic", 401, "bad key")
	p := &fakeProvider{errs: []error{permanent}}
	m := NewModel(p, defaultCatalogT(t), fastRetry(), zerolog.Nop())

	_, err := m.Generate(context.Background(), Request{Agent: agent(models.RoleQA), Task: "t"})
	assert.ErrorIs(t, err, perrors.ErrGenerationFailure)
	var apiErr *perrors.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Len(t, p.requests, 1)

	empty := &fakeProvider{replies: []string{"   "}}
	m = NewModel(empty, defaultCatalogT(t), fastRetry(), zerolog.Nop())
	_, err = m.Generate(context.Background(), Request{Agent: agent(models.RoleQA), Task: "t"})
	assert.ErrorIs(t, err, perrors.ErrGenerationFailure)
}
