// Package analyzer picks the specialist roles a task text should be delegated to.
package analyzer

import (
	"strings"

	"github.com/p-blackswan/agentcrew/internal/models"
)

// group is one role's trigger vocabulary. Matching is by substring on the
// lower-cased text, so "tested" triggers "test" and "rapid" triggers "api".
type group struct {
	role     models.Role
	keywords []string
}

// groups are evaluated in result order.
var groups = []group{
	{models.RoleFrontend, []string{
		"interface", "component", "design", "screen", "button", "page",
		"componente", "tela", "botão", "página",
	}},
	{models.RoleBackend, []string{
		"api", "server", "database", "endpoint", "logic", "processing",
		"servidor", "banco", "lógica", "processamento",
	}},
	{models.RoleQA, []string{
		"test", "bug", "error", "validate", "verify", "quality",
		"erro", "validar", "verificar", "qualidade",
	}},
	{models.RoleOps, []string{
		"documentation", "deploy", "file", "structure", "organize", "configure",
		"documentação", "arquivo", "estrutura", "organizar", "configurar",
	}},
}

// Default is returned when no keyword matches.
var Default = []models.Role{models.RoleFrontend, models.RoleBackend}

// Keyword is the heuristic analyzer.
type Keyword struct{}

// New returns the keyword analyzer.
func New() Keyword { return Keyword{} }

// Analyze returns the roles whose vocabulary appears in text, in the order
// Frontend, Backend, QA, Ops. It never returns an empty set.
func (Keyword) Analyze(text string) []models.Role {
	return Analyze(text)
}

// Analyze is the package-level form of Keyword.Analyze.
func Analyze(text string) []models.Role {
	lower := strings.ToLower(text)
	var roles []models.Role
	for _, g := range groups {
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				roles = append(roles, g.role)
				break
			}
		}
	}
	if len(roles) == 0 {
		return append([]models.Role(nil), Default...)
	}
	return roles
}
