package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/llm"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/retry"
)

const responseFormat = `RESPONSE FORMAT (mandatory):
Always answer with a single JSON object:
{
  "content": "your answer, using the --- DONE --- and --- NEXT --- sections",
  "metadata": {
    "tasksCompleted": number,
    "nextActions": ["action1", "action2"],
    "priority": "high|medium|low"
  }
}

GENERAL RULES:
- Always use the "--- DONE ---" and "--- NEXT ---" sections
- List items with • or -
- Be specific and technical
- Coordinate with the other agents when needed`

// Model generates responses with a language model provider.
type Model struct {
	provider llm.Provider
	catalog  *Catalog
	retry    retry.Config
	logger   zerolog.Logger
}

// NewModel creates a model-backed generator. The catalog supplies role
// responsibilities and rule descriptions for the system prompt.
func NewModel(provider llm.Provider, catalog *Catalog, retryCfg retry.Config, logger zerolog.Logger) *Model {
	return &Model{
		provider: provider,
		catalog:  catalog,
		retry:    retryCfg,
		logger:   logger.With().Str("component", "generator").Str("model", provider.ModelID()).Logger(),
	}
}

// SystemPrompt builds the instructions for agent.
func (m *Model) SystemPrompt(agent models.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s in a collaborative team of 5 specialist agents.\n\n", agent.Name)
	if agent.Context != "" {
		fmt.Fprintf(&b, "SPECIFIC CONTEXT: %s\n\n", agent.Context)
	}
	if resp, ok := m.catalog.Responsibilities[agent.Role]; ok {
		fmt.Fprintf(&b, "YOUR RESPONSIBILITIES:\n%s\n\n", resp)
	}
	b.WriteString(responseFormat)

	rules := agent.EnabledRules()
	if len(rules) > 0 {
		sort.Strings(rules)
		b.WriteString("\n\nACTIVE RULES:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s\n", m.catalog.RuleDescription(r))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func userPrompt(req Request) string {
	if req.IsAcknowledgement() {
		names := make([]string, len(req.Delegates))
		for i, r := range req.Delegates {
			names[i] = r.DisplayName()
		}
		return fmt.Sprintf("New task from the user: %q\n\nAcknowledge it and describe how it will be split between: %s.",
			req.Task, strings.Join(names, ", "))
	}
	return fmt.Sprintf("Task delegated by the Architect: %q\n\nCarry it out within your responsibilities and report.", req.Task)
}

func (m *Model) Generate(ctx context.Context, req Request) (*Response, error) {
	creq := llm.CompletionRequest{
		SystemPrompt: m.SystemPrompt(req.Agent),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: userPrompt(req)}},
		MaxTokens:    req.Agent.Params.MaxOutputTokens,
		Temperature:  req.Agent.Params.Temperature,
	}

	cfg := m.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
			Str("role", string(req.Agent.Role)).Msg("Retrying completion")
	}

	var out *llm.CompletionResponse
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		out, err = m.provider.Complete(ctx, creq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w: %w", req.Agent.Role, perrors.ErrGenerationFailure, err)
	}

	resp := parseModelOutput(out.Text)
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%s completion was empty: %w", req.Agent.Role, perrors.ErrGenerationFailure)
	}
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["agentType"] = string(req.Agent.Role)
	resp.Metadata["model"] = m.provider.ModelID()
	if req.IsAcknowledgement() {
		resp.Metadata["involvedAgents"] = roleNames(req.Delegates)
		resp.Metadata["delegation"] = true
	}
	resp.TokensUsed = out.TotalTokens()

	m.logger.Debug().
		Str("role", string(req.Agent.Role)).
		Int("tokens", resp.TokensUsed).
		Msg("Response generated")
	return resp, nil
}

// parseModelOutput accepts the JSON envelope, optionally inside a code
// fence, and falls back to the raw text.
func parseModelOutput(text string) *Response {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var envelope struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Content != "" {
		return &Response{Content: envelope.Content, Metadata: envelope.Metadata}
	}
	return &Response{Content: strings.TrimSpace(text)}
}

var _ Generator = (*Model)(nil)
