package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/middleware"
)

// RegisterSubscriberRoutes wires sign-in, tier verification and the
// session bridge.
func RegisterSubscriberRoutes(r fiber.Router, h *handlers, rateLimiter fiber.Handler) {
	if rateLimiter != nil {
		r.Post("/magic-link", rateLimiter, h.magicLink.Send)
	} else {
		r.Post("/magic-link", h.magicLink.Send)
	}
	r.Post("/magic-link/verify", h.magicLink.Verify)
	r.Post("/tier-verify", h.tier.TierVerify)
	r.Post("/bridge", h.bridge.Exchange)
	r.Post("/register", h.account.Register)
	r.Get("/me", middleware.JWTAuth(h.issuer), h.account.Me)
}

// RegisterAuthRoutes wires backend token refresh and logout.
func RegisterAuthRoutes(r fiber.Router, h *handlers) {
	group := r.Group("/auth")
	group.Post("/refresh", h.token.Refresh)
	group.Post("/logout", h.token.Logout)
}
