// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Generator kinds.
const (
	GeneratorTemplate = "template"
	GeneratorModel    = "model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment     string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort        int           `envconfig:"HTTP_PORT" default:"8080"` // realtime, metrics and health checks
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Control API
	APIListenAddr     string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APICORSOrigins    string `envconfig:"API_CORS_ORIGINS"`
	APIRateLimitRPS   int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst int    `envconfig:"API_RATE_LIMIT_BURST" default:"200"`

	// Storage; an empty path selects the in-memory store.
	DBPath string `envconfig:"DB_PATH"`

	// Scheduling
	SchedulerWorkers   int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
	SchedulerQueueSize int           `envconfig:"SCHEDULER_QUEUE_SIZE" default:"256"`
	DelegationMinDelay time.Duration `envconfig:"DELEGATION_MIN_DELAY" default:"1s"`
	DelegationMaxDelay time.Duration `envconfig:"DELEGATION_MAX_DELAY" default:"3s"`

	// Response generation
	Generator          string        `envconfig:"GENERATOR" default:"template"`
	TemplatesPath      string        `envconfig:"TEMPLATES_PATH"`
	AnthropicAPIKey    string        `envconfig:"ANTHROPIC_API_KEY"`
	Model              string        `envconfig:"MODEL" default:"claude-sonnet-4-20250514"`
	ModelTimeout       time.Duration `envconfig:"MODEL_TIMEOUT" default:"60s"`
	ModelMaxRetries    int           `envconfig:"MODEL_MAX_RETRIES" default:"3"`
	DefaultTokenBudget int           `envconfig:"DEFAULT_TOKEN_BUDGET" default:"4000"`

	// Tracing
	TracingEnabled      bool    `envconfig:"TRACING_ENABLED" default:"false"`
	TracingExporter     string  `envconfig:"TRACING_EXPORTER" default:"stdout"`
	TracingOTLPEndpoint string  `envconfig:"TRACING_OTLP_ENDPOINT" default:"localhost:4317"`
	TracingSampleRate   float64 `envconfig:"TRACING_SAMPLE_RATE" default:"1.0"`
}

// IsDevelopment reports whether the console log writer should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// UseSQLite reports whether a database path is configured.
func (c *Config) UseSQLite() bool {
	return c.DBPath != ""
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var problems []string

	if c.DelegationMinDelay < 0 {
		problems = append(problems, "DELEGATION_MIN_DELAY must not be negative")
	}
	if c.DelegationMinDelay > c.DelegationMaxDelay {
		problems = append(problems, fmt.Sprintf("DELEGATION_MIN_DELAY (%s) exceeds DELEGATION_MAX_DELAY (%s)",
			c.DelegationMinDelay, c.DelegationMaxDelay))
	}
	if c.SchedulerWorkers < 1 {
		problems = append(problems, "SCHEDULER_WORKERS must be at least 1")
	}
	if c.SchedulerQueueSize < 1 {
		problems = append(problems, "SCHEDULER_QUEUE_SIZE must be at least 1")
	}
	if c.DefaultTokenBudget < 0 {
		problems = append(problems, "DEFAULT_TOKEN_BUDGET must not be negative")
	}

	switch c.Generator {
	case GeneratorTemplate:
	case GeneratorModel:
		if c.AnthropicAPIKey == "" {
			problems = append(problems, "GENERATOR=model requires ANTHROPIC_API_KEY")
		}
	default:
		problems = append(problems, fmt.Sprintf("GENERATOR must be %q or %q, got %q", GeneratorTemplate, GeneratorModel, c.Generator))
	}

	switch c.TracingExporter {
	case "stdout", "otlp", "none":
	default:
		problems = append(problems, fmt.Sprintf("TRACING_EXPORTER %q is not one of stdout, otlp, none", c.TracingExporter))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		problems = append(problems, "TRACING_SAMPLE_RATE must be within [0,1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
