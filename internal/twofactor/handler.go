package twofactor

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/validate"
)

// SessionHeader carries the raw two-factor session token.
const SessionHeader = "X-Admin-Session"

// LocalAdminEmail is the fiber Locals key set for authorized admin requests.
const LocalAdminEmail = "admin_email"

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func clientOf(c *fiber.Ctx) Client {
	return Client{IPAddress: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent)}
}

func sessionToken(c *fiber.Ctx, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Get(SessionHeader)
}

type startRequest struct {
	AdminEmail     string `json:"admin_email" validate:"required"`
	Password       string `json:"password" validate:"required"`
	ExpiresMinutes int    `json:"expires_minutes" validate:"min=0"`
}

// Start handles POST /2fa/session.
func (h *Handler) Start(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	res, err := h.service.StartSession(c.UserContext(), StartInput{
		AdminEmail:     req.AdminEmail,
		Password:       req.Password,
		ExpiresMinutes: req.ExpiresMinutes,
		Client:         clientOf(c),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(res)
}

type verifyRequest struct {
	AdminEmail        string `json:"admin_email" validate:"required"`
	SessionToken      string `json:"session_token"`
	Code              string `json:"code"`
	Method            Method `json:"method"`
	Token             string `json:"token"`
	TokenType         Method `json:"token_type"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceName        string `json:"device_name"`
}

// Verify handles POST /2fa/verify. Rejected codes report how many
// attempts remain before lockout.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	if req.Code == "" {
		req.Code = req.Token
	}
	if req.Method == "" {
		req.Method = req.TokenType
	}
	switch req.Method {
	case "":
		req.Method = MethodTOTP
	case "backup":
		req.Method = MethodBackup
	}
	res, err := h.service.Verify(c.UserContext(), VerifyInput{
		AdminEmail:        req.AdminEmail,
		SessionToken:      sessionToken(c, req.SessionToken),
		Code:              req.Code,
		Method:            req.Method,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceName:        req.DeviceName,
		Client:            clientOf(c),
	})
	if errors.Is(err, ErrInvalidCode) {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"success":            false,
			"error":              "invalid code",
			"remaining_attempts": res.RemainingAttempts,
		})
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(res)
}

type tokenRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
}

// Check handles POST /2fa/session/check.
func (h *Handler) Check(c *fiber.Ctx) error {
	var req tokenRequest
	_ = c.BodyParser(&req)
	st, err := h.service.Check(c.UserContext(), sessionToken(c, req.SessionToken))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(st)
}

// Revoke handles DELETE /2fa/session.
func (h *Handler) Revoke(c *fiber.Ctx) error {
	var req tokenRequest
	_ = c.BodyParser(&req)
	req.SessionToken = sessionToken(c, req.SessionToken)
	if err := validate.Struct(req); err != nil {
		return err
	}
	if err := h.service.Revoke(c.UserContext(), req.SessionToken, clientOf(c)); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "revoked"})
}

type unlockRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// Unlock handles POST /admin/unlock. It runs behind the admin gate.
func (h *Handler) Unlock(c *fiber.Ctx) error {
	var req unlockRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	actor, _ := c.Locals(LocalAdminEmail).(string)
	if err := h.service.Unlock(c.UserContext(), req.Email, actor); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "unlocked"})
}

// Devices handles GET /admin/devices for the calling admin.
func (h *Handler) Devices(c *fiber.Ctx) error {
	actor, _ := c.Locals(LocalAdminEmail).(string)
	devices, err := h.service.TrustedDevices(c.UserContext(), actor)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"devices": devices})
}
