package account

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// Handler exposes account endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register handles credentialed sign-up.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	acct, err := h.service.Register(c.UserContext(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return fiber.NewError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.Status(http.StatusCreated).JSON(acct.CurrentUser())
}

// Me returns the current user for the authenticated subject. The user id is
// placed in Locals by the bearer token middleware.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return autherr.ErrInvalidToken
	}
	acct, err := h.service.repo.FindByID(c.UserContext(), uid)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return autherr.ErrInvalidToken
		}
		return err
	}
	return c.Status(http.StatusOK).JSON(acct.CurrentUser())
}

type setTierRequest struct {
	Email string `json:"email" validate:"required,email"`
	Tier  string `json:"tier" validate:"required,oneof=free paid premium"`
}

// SetTier handles POST /admin/accounts/tier. It runs behind the admin gate.
func (h *Handler) SetTier(c *fiber.Ctx) error {
	var req setTierRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	acct, err := h.service.SetTier(c.UserContext(), req.Email, tier.Tier(req.Tier))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(acct.CurrentUser())
}
