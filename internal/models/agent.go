// Package models defines the entities shared by the coordination engine:
// agents, projects, messages, files and snapshots.
package models

import "fmt"

// Role identifies one of the five fixed agent specializations.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleFrontend    Role = "frontend"
	RoleBackend     Role = "backend"
	RoleQA          Role = "qa"
	RoleOps         Role = "ops"
)

// Roles lists every role in canonical order.
var Roles = []Role{RoleCoordinator, RoleFrontend, RoleBackend, RoleQA, RoleOps}

var roleNames = map[Role]string{
	RoleCoordinator: "Architect",
	RoleFrontend:    "Front-End",
	RoleBackend:     "Back-End",
	RoleQA:          "QA",
	RoleOps:         "DevOps",
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// DisplayName returns the human label used in generated messages.
func (r Role) DisplayName() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return string(r)
}

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// AgentStatus is the per-agent state machine value.
type AgentStatus string

const (
	StatusAvailable AgentStatus = "available"
	StatusWorking   AgentStatus = "working"
	StatusWaiting   AgentStatus = "waiting"
	StatusError     AgentStatus = "error"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusWorking, StatusWaiting, StatusError:
		return true
	}
	return false
}

// GenerationParams tune the response generator for one agent.
type GenerationParams struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// Validate checks the parameter bounds.
func (p GenerationParams) Validate() error {
	if p.Temperature < 0 || p.Temperature > 1 {
		return fmt.Errorf("temperature %.2f outside [0,1]", p.Temperature)
	}
	if p.MaxOutputTokens <= 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", p.MaxOutputTokens)
	}
	return nil
}

// Agent is one role's worker inside a project.
type Agent struct {
	ID             int64            `json:"id"`
	ProjectID      int64            `json:"projectId"`
	Name           string           `json:"name"`
	Role           Role             `json:"role"`
	Status         AgentStatus      `json:"status"`
	TasksCompleted int              `json:"tasksCompleted"`
	TasksTotal     int              `json:"tasksTotal"`
	Context        string           `json:"context,omitempty"`
	Rules          map[string]bool  `json:"rules,omitempty"`
	Params         GenerationParams `json:"generationParams"`
}

// Clone returns a deep copy so callers never share the Rules map.
func (a Agent) Clone() Agent {
	if a.Rules != nil {
		rules := make(map[string]bool, len(a.Rules))
		for k, v := range a.Rules {
			rules[k] = v
		}
		a.Rules = rules
	}
	return a
}

// EnabledRules returns the names of the switched-on rules.
func (a Agent) EnabledRules() []string {
	var out []string
	for name, on := range a.Rules {
		if on {
			out = append(out, name)
		}
	}
	return out
}

// AgentPatch carries the partial fields accepted by an agent update.
type AgentPatch struct {
	Status     *AgentStatus      `json:"status,omitempty"`
	Context    *string           `json:"context,omitempty"`
	Rules      map[string]bool   `json:"rules,omitempty"`
	Params     *GenerationParams `json:"generationParams,omitempty"`
	TasksTotal *int              `json:"tasksTotal,omitempty"`
}
