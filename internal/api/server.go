// Package api is the HTTP control surface: projects, agents, messages,
// delegation, files and health checks under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/coordinator"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/projects"
	"github.com/p-blackswan/agentcrew/internal/scheduler"
)

// Projects is the project state manager.
type Projects interface {
	Create(ctx context.Context, in projects.CreateInput) (*models.Project, error)
	Get(ctx context.Context, id int64) (*models.Project, error)
	List(ctx context.Context) ([]models.Project, error)
	Pause(ctx context.Context, id int64) (*models.Project, error)
	Resume(ctx context.Context, id int64) (*models.Project, error)
	Snapshot(ctx context.Context, id int64) (*models.Snapshot, error)
	RecordTokenUsage(ctx context.Context, id int64, tokens int) (*models.Project, error)

	ListFiles(ctx context.Context, projectID int64) ([]models.ProjectFile, error)
	CreateFile(ctx context.Context, projectID int64, path, content string) (*models.ProjectFile, error)
	CreateFolder(ctx context.Context, projectID int64, path string) (*models.ProjectFile, error)
	UpdateFile(ctx context.Context, id int64, content string) (*models.ProjectFile, error)
	DeleteFile(ctx context.Context, id int64) error
}

// Agents reads and patches agent records.
type Agents interface {
	Get(ctx context.Context, projectID int64) ([]models.Agent, error)
	Update(ctx context.Context, agentID int64, patch models.AgentPatch) (*models.Agent, error)
}

// Messages reads a project's conversation.
type Messages interface {
	ListMessages(ctx context.Context, projectID int64) ([]models.Message, error)
}

// Tasks runs the coordination flow.
type Tasks interface {
	Submit(ctx context.Context, projectID int64, content string) (*coordinator.Dispatch, error)
	Delegate(ctx context.Context, projectID int64, role models.Role, task string) (*models.Message, error)
}

// Stats reports scheduler activity.
type Stats interface {
	Stats() scheduler.Stats
}

// Readiness reports whether dependencies are usable.
type Readiness interface {
	IsReady(ctx context.Context) bool
}

// Recorder counts requests.
type Recorder interface {
	RecordHTTP(method, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordHTTP(string, string) {}

// Deps are the services behind the handlers.
type Deps struct {
	Projects  Projects
	Agents    Agents
	Messages  Messages
	Tasks     Tasks
	Stats     Stats
	Readiness Readiness
	Recorder  Recorder
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the control API fiber application.
type Server struct {
	app     *fiber.App
	config  ServerConfig
	limiter *rateLimiter
	cancel  context.CancelFunc
	logger  zerolog.Logger
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{app: app, config: cfg, logger: logger, cancel: func() {}}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestIDMiddleware())
	app.Use(accessLog(logger, deps.Recorder))
	if cfg.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}
	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, time.Now)
		app.Use(s.limiter.middleware())
	}

	h := &handlers{deps: deps, logger: logger}
	s.routes(h)
	return s
}

func (s *Server) routes(h *handlers) {
	s.app.Get("/healthz", h.liveness)
	s.app.Get("/readyz", h.readiness)

	v1 := s.app.Group("/api/v1")
	v1.Get("/stats", h.stats)

	v1.Post("/projects", h.createProject)
	v1.Get("/projects", h.listProjects)
	v1.Get("/projects/:id", h.getProject)
	v1.Patch("/projects/:id/pause", h.pauseProject)
	v1.Patch("/projects/:id/resume", h.resumeProject)
	v1.Post("/projects/:id/pause", h.pauseProject)
	v1.Post("/projects/:id/resume", h.resumeProject)
	v1.Get("/projects/:id/snapshot", h.getSnapshot)
	v1.Post("/projects/:id/tokens", h.recordTokens)

	v1.Get("/projects/:id/agents", h.listAgents)
	v1.Patch("/agents/:id", h.updateAgent)

	v1.Get("/projects/:id/messages", h.listMessages)
	v1.Post("/projects/:id/messages", h.submitMessage)
	v1.Post("/projects/:id/delegate", h.delegate)

	v1.Get("/projects/:id/files", h.listFiles)
	v1.Post("/projects/:id/files", h.createFile)
	v1.Patch("/files/:id", h.updateFile)
	v1.Delete("/files/:id", h.deleteFile)
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	if s.limiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.limiter.run(ctx)
	}
	s.logger.Info().Str("addr", addr).Msg("Control API starting")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Control API shutting down")
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		detail := "An internal error occurred"
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			detail = e.Message
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unhandled error")

		typ, title := "internal_error", "Internal Server Error"
		if code != fiber.StatusInternalServerError {
			typ, title = "http_error", utils.StatusMessage(code)
		}
		return problemResponse(c, code, typ, title, detail)
	}
}
