package generator

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog holds the response texts and prompt material for every role.
type Catalog struct {
	Acknowledgement  string                   `yaml:"acknowledgement"`
	Breakdown        map[models.Role][]string `yaml:"breakdown"`
	Responses        map[models.Role][]string `yaml:"responses"`
	Fallback         string                   `yaml:"fallback"`
	Responsibilities map[models.Role]string   `yaml:"responsibilities"`
	Rules            map[string]string        `yaml:"rules"`

	ack       *template.Template
	fallback  *template.Template
	breakdown map[models.Role][]*template.Template
	responses map[models.Role][]*template.Template
}

// templateData is what catalog templates can reference.
type templateData struct {
	Task      string
	Agent     string
	Breakdown []string
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog from a YAML file. An empty path yields the default.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %v: %w", path, err, perrors.ErrConfigurationFault)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and compiles a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %v: %w", err, perrors.ErrConfigurationFault)
	}
	if err := c.compile(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, perrors.ErrConfigurationFault)
	}
	return &c, nil
}

func (c *Catalog) compile() error {
	var err error
	if c.ack, err = template.New("acknowledgement").Parse(c.Acknowledgement); err != nil {
		return fmt.Errorf("acknowledgement: %w", err)
	}
	if c.Fallback == "" {
		c.Fallback = `[{{.Agent}}] Sorry, I could not finish "{{.Task}}".`
	}
	if c.fallback, err = template.New("fallback").Parse(c.Fallback); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}

	c.breakdown = make(map[models.Role][]*template.Template, len(c.Breakdown))
	for role, lines := range c.Breakdown {
		if !role.Valid() {
			return fmt.Errorf("breakdown: unknown role %q", role)
		}
		for i, line := range lines {
			t, err := template.New(fmt.Sprintf("breakdown.%s.%d", role, i)).Parse(line)
			if err != nil {
				return fmt.Errorf("breakdown %s[%d]: %w", role, i, err)
			}
			c.breakdown[role] = append(c.breakdown[role], t)
		}
	}

	c.responses = make(map[models.Role][]*template.Template, len(c.Responses))
	for role, variants := range c.Responses {
		if !role.Valid() {
			return fmt.Errorf("responses: unknown role %q", role)
		}
		for i, v := range variants {
			t, err := template.New(fmt.Sprintf("responses.%s.%d", role, i)).Parse(v)
			if err != nil {
				return fmt.Errorf("responses %s[%d]: %w", role, i, err)
			}
			c.responses[role] = append(c.responses[role], t)
		}
	}
	for _, role := range models.Roles {
		if len(c.responses[role]) == 0 {
			return fmt.Errorf("responses: no variant for role %q", role)
		}
	}
	return nil
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// breakdownLines renders the per-role task lines for the given delegates.
func (c *Catalog) breakdownLines(task string, delegates []models.Role) ([]string, error) {
	var lines []string
	for _, role := range delegates {
		for _, t := range c.breakdown[role] {
			line, err := render(t, templateData{Task: task, Agent: role.DisplayName()})
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// RuleDescription returns the prompt text for a rule, or the rule name itself.
func (c *Catalog) RuleDescription(rule string) string {
	if d, ok := c.Rules[rule]; ok {
		return d
	}
	return rule
}

// FallbackMessage renders the apology persisted when an agent fails.
func (c *Catalog) FallbackMessage(agent models.Agent, task string) string {
	name := agent.Name
	if name == "" {
		name = agent.Role.DisplayName()
	}
	out, err := render(c.fallback, templateData{Task: task, Agent: name})
	if err != nil {
		return fmt.Sprintf("[%s] Sorry, I could not finish %q.", name, task)
	}
	return out
}
