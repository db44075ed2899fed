package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/token"
)

// Authenticator verifies a bearer access token.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (token.Claims, error)
}

// JWTAuth validates the bearer access token, including its version, and
// exposes the subject as Locals("user_id").
func JWTAuth(auth Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := token.BearerToken(c.Get(fiber.HeaderAuthorization))
		if raw == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		claims, err := auth.Authenticate(c.UserContext(), raw)
		if err != nil {
			return autherr.ErrInvalidToken
		}
		c.Locals("user_id", claims.Subject)
		c.Locals("token_version", claims.Version)
		c.Locals("tier", claims.Tier)
		return c.Next()
	}
}
