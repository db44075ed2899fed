package token

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// SessionRevoker revokes a server-side session token.
type SessionRevoker interface {
	Revoke(ctx context.Context, sessionToken string) error
}

// Handler exposes refresh and logout endpoints.
type Handler struct {
	issuer   *Issuer
	sessions SessionRevoker
}

func NewHandler(issuer *Issuer, sessions SessionRevoker) *Handler {
	return &Handler{issuer: issuer, sessions: sessions}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh issues a new access token using a valid refresh token.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	token, exp, err := h.issuer.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"access_token": token, "expires_in": exp})
}

type logoutRequest struct {
	SessionToken string `json:"session_token" validate:"required_without=Bearer"`
	Bearer       string `json:"-"`
}

// Logout revokes the session token and, when a valid bearer token is
// presented, bumps the token version so bridged credentials stop working.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var req logoutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	req.Bearer = BearerToken(c.Get(fiber.HeaderAuthorization))
	if err := validate.Struct(req); err != nil {
		return err
	}
	bearer := req.Bearer

	ctx := c.UserContext()
	if req.SessionToken != "" && h.sessions != nil {
		if err := h.sessions.Revoke(ctx, req.SessionToken); err != nil && !errors.Is(err, autherr.ErrNotFound) {
			return err
		}
	}
	if bearer != "" {
		claims, err := h.issuer.Authenticate(ctx, bearer)
		if err == nil {
			if err := h.issuer.Revoke(ctx, claims.Subject); err != nil {
				return err
			}
		}
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}
