package bridge

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Exchange handles POST /bridge.
func (h *Handler) Exchange(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.service.Exchange(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(resp)
}
