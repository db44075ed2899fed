package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/middleware"
)

// RegisterAdminRoutes wires the two-factor session endpoints and the
// admin-only mutations gated on a fresh verification.
func RegisterAdminRoutes(r fiber.Router, h *handlers, logger *slog.Logger) {
	tf := r.Group("/2fa")
	tf.Post("/session", h.twoFactor.Start)
	tf.Post("/session/check", h.twoFactor.Check)
	tf.Delete("/session", h.twoFactor.Revoke)
	tf.Post("/verify", h.twoFactor.Verify)

	admin := r.Group("/admin", middleware.AdminTwoFactor(h.admin, logger))
	admin.Post("/unlock", h.twoFactor.Unlock)
	admin.Post("/accounts/tier", h.account.SetTier)
	admin.Get("/devices", h.twoFactor.Devices)
}
