package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/twofactor"
)

// AdminTwoFactor admits requests carrying a freshly verified two-factor
// session in the X-Admin-Session header. Stale sessions are refused so the
// admin must re-verify before a new sensitive action.
func AdminTwoFactor(svc *twofactor.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st, err := svc.Authorize(c.UserContext(), c.Get(twofactor.SessionHeader))
		if err != nil {
			logger.Warn("admin request refused",
				slog.String("path", c.Path()),
				slog.String("ip", c.IP()),
				slog.Any("error", err))
			return err
		}
		c.Locals(twofactor.LocalAdminEmail, st.AdminEmail)
		logger.Info("admin action authorized",
			slog.String("admin_email", logging.MaskEmail(st.AdminEmail)),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()))
		return c.Next()
	}
}
