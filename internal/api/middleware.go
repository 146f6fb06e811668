package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/requestid"
)

const headerRequestID = "X-Request-ID"

func isHealthPath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

// requestIDMiddleware reuses a caller supplied id or mints one.
func requestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(headerRequestID)
		ctx := c.UserContext()
		if !requestid.Valid(id) {
			ctx, id = requestid.New(ctx)
		} else {
			ctx = requestid.WithRequestID(ctx, id)
		}
		c.SetUserContext(ctx)
		c.Set(headerRequestID, id)
		return c.Next()
	}
}

// accessLog logs and counts every request outside the health endpoints after it completes.
func accessLog(logger zerolog.Logger, rec Recorder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if isHealthPath(path) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		rec.RecordHTTP(c.Method(), strconv.Itoa(status))
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.IP()).
			Str("request_id", requestid.FromContext(c.UserContext())).
			Msg("api request")
		return err
	}
}
