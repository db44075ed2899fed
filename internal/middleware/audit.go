package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/autherr"
)

// Audit logs one structured line per request. Paths with a listed prefix
// (probes, metrics scrapes) are skipped. Request bodies are never logged
// since they carry emails, codes and tokens.
func Audit(logger *slog.Logger, skipPrefixes ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, p := range skipPrefixes {
			if strings.HasPrefix(c.Path(), p) {
				return c.Next()
			}
		}
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// The error handler has not run yet.
			status = autherr.HTTPStatus(err)
		}
		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("ip", c.IP()),
		}
		if id, _ := c.Locals(RequestIDHeader).(string); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, slog.Any("error", err))...)
		case err != nil:
			logger.Warn("request completed", append(attrs, slog.Any("error", err))...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
