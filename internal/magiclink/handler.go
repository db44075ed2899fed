package magiclink

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	issuer *Issuer
}

func NewHandler(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

type sendRequest struct {
	Email string `json:"email"`
}

// Send handles POST /magic-link.
func (h *Handler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.issuer.Send(c.UserContext(), req.Email)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(res)
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify handles POST /magic-link/verify and returns the new session.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.issuer.Consume(c.UserContext(), req.Token)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(sess)
}
