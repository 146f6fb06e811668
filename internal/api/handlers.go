package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/coordinator"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/projects"
	"github.com/p-blackswan/agentcrew/internal/scheduler"
)

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

// --- request / response bodies ---

type tokensRequest struct {
	Tokens int `json:"tokens"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type delegateRequest struct {
	Role string `json:"role"`
	Task string `json:"task"`
}

type delegateFailure struct {
	ProblemDetail
	Message *models.Message `json:"message"`
}

type fileRequest struct {
	Path    string          `json:"path"`
	Content string          `json:"content"`
	Kind    models.FileKind `json:"type"`
}

type fileUpdateRequest struct {
	Content *string `json:"content"`
}

// DispatchResponse is the body of an accepted task.
type DispatchResponse struct {
	UserMessage     *models.Message     `json:"userMessage"`
	Acknowledgement *models.Message     `json:"acknowledgement"`
	Degraded        bool                `json:"degraded"`
	Roles           []models.Role       `json:"roles"`
	Jobs            []scheduler.JobInfo `json:"jobs"`
}

func newDispatchResponse(d *coordinator.Dispatch) DispatchResponse {
	resp := DispatchResponse{
		UserMessage:     d.UserMessage,
		Acknowledgement: d.Acknowledgement,
		Degraded:        d.Degraded,
		Roles:           d.Roles,
		Jobs:            make([]scheduler.JobInfo, 0, len(d.Jobs)),
	}
	if resp.Roles == nil {
		resp.Roles = []models.Role{}
	}
	for _, j := range d.Jobs {
		resp.Jobs = append(resp.Jobs, j.Snapshot())
	}
	return resp
}

func idParam(c *fiber.Ctx) (int64, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id %q: %w", c.Params("id"), perrors.ErrInvalidInput)
	}
	return int64(id), nil
}

// --- health ---

func (h *handlers) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) readiness(c *fiber.Ctx) error {
	if h.deps.Readiness != nil && !h.deps.Readiness.IsReady(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func (h *handlers) stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"scheduler": h.deps.Stats.Stats(),
		"time":      time.Now().UTC(),
	})
}

// --- projects ---

func (h *handlers) createProject(c *fiber.Ctx) error {
	var in projects.CreateInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c, err)
	}
	p, err := h.deps.Projects.Create(c.UserContext(), in)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *handlers) listProjects(c *fiber.Ctx) error {
	list, err := h.deps.Projects.List(c.UserContext())
	if err != nil {
		return errorProblem(c, err)
	}
	if list == nil {
		list = []models.Project{}
	}
	return c.JSON(list)
}

func (h *handlers) getProject(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	p, err := h.deps.Projects.Get(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(p)
}

func (h *handlers) pauseProject(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	p, err := h.deps.Projects.Pause(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(p)
}

func (h *handlers) resumeProject(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	p, err := h.deps.Projects.Resume(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(p)
}

func (h *handlers) getSnapshot(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	s, err := h.deps.Projects.Snapshot(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(s)
}

func (h *handlers) recordTokens(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	var req tokensRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	p, err := h.deps.Projects.RecordTokenUsage(c.UserContext(), id, req.Tokens)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(p)
}

// --- agents ---

func (h *handlers) listAgents(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	agents, err := h.deps.Agents.Get(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(agents)
}

func (h *handlers) updateAgent(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	var patch models.AgentPatch
	if err := c.BodyParser(&patch); err != nil {
		return badBody(c, err)
	}
	a, err := h.deps.Agents.Update(c.UserContext(), id, patch)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(a)
}

// --- messages and tasks ---

func (h *handlers) listMessages(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	if _, err := h.deps.Projects.Get(c.UserContext(), id); err != nil {
		return errorProblem(c, err)
	}
	msgs, err := h.deps.Messages.ListMessages(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(msgs)
}

func (h *handlers) submitMessage(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	d, err := h.deps.Tasks.Submit(c.UserContext(), id, req.Content)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(newDispatchResponse(d))
}

func (h *handlers) delegate(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	var req delegateRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	msg, err := h.deps.Tasks.Delegate(c.UserContext(), id, models.Role(req.Role), req.Task)
	if err != nil {
		if errors.Is(err, perrors.ErrGenerationFailure) && msg != nil {
			// The fallback reply is already in the conversation.
			return c.Status(fiber.StatusInternalServerError).JSON(delegateFailure{
				ProblemDetail: ProblemDetail{
					Type:     "generation_failure",
					Title:    "Internal Server Error",
					Status:   fiber.StatusInternalServerError,
					Detail:   err.Error(),
					Instance: c.Path(),
				},
				Message: msg,
			})
		}
		return errorProblem(c, err)
	}
	return c.JSON(fiber.Map{"message": msg})
}

// --- files ---

func (h *handlers) listFiles(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	files, err := h.deps.Projects.ListFiles(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	if files == nil {
		files = []models.ProjectFile{}
	}
	return c.JSON(files)
}

func (h *handlers) createFile(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	var req fileRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	var f *models.ProjectFile
	switch req.Kind {
	case models.FileKindFile, "":
		f, err = h.deps.Projects.CreateFile(c.UserContext(), id, req.Path, req.Content)
	case models.FileKindFolder:
		f, err = h.deps.Projects.CreateFolder(c.UserContext(), id, req.Path)
	default:
		err = fmt.Errorf("file type %q: %w", req.Kind, perrors.ErrInvalidInput)
	}
	if err != nil {
		return errorProblem(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(f)
}

func (h *handlers) updateFile(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	var req fileUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if req.Content == nil {
		return errorProblem(c, fmt.Errorf("content is required: %w", perrors.ErrInvalidInput))
	}
	f, err := h.deps.Projects.UpdateFile(c.UserContext(), id, *req.Content)
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(f)
}

func (h *handlers) deleteFile(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return errorProblem(c, err)
	}
	if err := h.deps.Projects.DeleteFile(c.UserContext(), id); err != nil {
		return errorProblem(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
