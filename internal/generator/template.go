package generator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
)

// Template answers from the catalog, choosing a random variant per call.
type Template struct {
	catalog *Catalog

	mu  sync.Mutex
	rnd *rand.Rand
}

// TemplateOption configures a Template.
type TemplateOption func(*Template)

// WithRand replaces the variant picker's source.
func WithRand(r *rand.Rand) TemplateOption {
	return func(t *Template) { t.rnd = r }
}

// NewTemplate creates a template generator over catalog.
func NewTemplate(catalog *Catalog, opts ...TemplateOption) *Template {
	t := &Template{
		catalog: catalog,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Template) Generate(_ context.Context, req Request) (*Response, error) {
	if req.IsAcknowledgement() {
		return t.acknowledge(req)
	}

	role := req.Agent.Role
	variants := t.catalog.responses[role]
	if len(variants) == 0 {
		return nil, fmt.Errorf("no template for role %q: %w", role, perrors.ErrGenerationFailure)
	}

	t.mu.Lock()
	idx := t.rnd.Intn(len(variants))
	t.mu.Unlock()

	content, err := render(variants[idx], templateData{Task: req.Task, Agent: req.Agent.Name})
	if err != nil {
		return nil, fmt.Errorf("render %s template: %w: %w", role, perrors.ErrGenerationFailure, err)
	}
	return &Response{
		Content: content,
		Metadata: map[string]any{
			"agentType": string(role),
			"task":      req.Task,
			"completed": true,
			"variant":   idx,
		},
	}, nil
}

func (t *Template) acknowledge(req Request) (*Response, error) {
	lines, err := t.catalog.breakdownLines(req.Task, req.Delegates)
	if err != nil {
		return nil, fmt.Errorf("render breakdown: %w: %w", perrors.ErrGenerationFailure, err)
	}
	content, err := render(t.catalog.ack, templateData{Task: req.Task, Agent: req.Agent.Name, Breakdown: lines})
	if err != nil {
		return nil, fmt.Errorf("render acknowledgement: %w: %w", perrors.ErrGenerationFailure, err)
	}
	return &Response{
		Content: content,
		Metadata: map[string]any{
			"agentType":      string(req.Agent.Role),
			"involvedAgents": roleNames(req.Delegates),
			"tasksCreated":   len(lines),
			"delegation":     true,
		},
	}, nil
}

var _ Generator = (*Template)(nil)
