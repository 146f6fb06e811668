// Package generator produces agent responses.
//
// Two implementations exist: Template picks canned responses from a YAML
// catalog, Model asks a language model provider. Both fail with an error
// wrapping errors.ErrGenerationFailure.
package generator

import (
	"context"

	"github.com/p-blackswan/agentcrew/internal/models"
)

// Request describes one response to produce.
type Request struct {
	Agent models.Agent
	Task  string
	// Delegates is set for the coordinator's acknowledgement and lists the
	// roles the task is being handed to.
	Delegates []models.Role
}

// IsAcknowledgement reports whether the request is the coordinator's ack.
func (r Request) IsAcknowledgement() bool {
	return r.Agent.Role == models.RoleCoordinator && len(r.Delegates) > 0
}

// Response is a generated message body.
type Response struct {
	Content    string
	Metadata   map[string]any
	TokensUsed int
}

// Generator produces responses.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

func roleNames(roles []models.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
