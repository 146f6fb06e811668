package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/agentcrew/internal/errors"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

type problemKind struct {
	status int
	typ    string
	title  string
}

var problemKinds = []struct {
	err  error
	kind problemKind
}{
	{perrors.ErrNotFound, problemKind{fiber.StatusNotFound, "not_found", "Not Found"}},
	{perrors.ErrInvalidInput, problemKind{fiber.StatusBadRequest, "invalid_input", "Bad Request"}},
	{perrors.ErrInvalidState, problemKind{fiber.StatusConflict, "invalid_state", "Conflict"}},
	{perrors.ErrConfigurationFault, problemKind{fiber.StatusUnprocessableEntity, "configuration_fault", "Unprocessable Entity"}},
}

// errorProblem maps a domain error to its problem response. Unknown errors
// are returned to fiber's error handler.
func errorProblem(c *fiber.Ctx, err error) error {
	for _, pk := range problemKinds {
		if errors.Is(err, pk.err) {
			return problemResponse(c, pk.kind.status, pk.kind.typ, pk.kind.title, err.Error())
		}
	}
	return err
}

func badBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}
