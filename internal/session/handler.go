package session

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/dedup"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/validate"
)

const operationTierVerify = "tier-verify"

// Verification is the tier-verify response body.
type Verification struct {
	Verified bool        `json:"verified"`
	Tier     tier.Tier   `json:"tier"`
	Source   tier.Source `json:"source"`
}

// Handler serves tier verification through the session cache.
type Handler struct {
	cache *Cache
	dedup *dedup.Group[Verification]
}

func NewHandler(cache *Cache, group *dedup.Group[Verification]) *Handler {
	if group == nil {
		group = dedup.NewGroup[Verification](nil, 0, nil)
	}
	return &Handler{cache: cache, dedup: group}
}

// Verify resolves an email into a verification. An email the available
// providers hold no record for is reported unverified at the free tier.
// When no provider could be reached at all and nothing is cached the result
// is autherr.ErrUnauthenticated, never a free verification.
func (h *Handler) Verify(ctx context.Context, email string) (Verification, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Verification{}, err
	}
	v, _, err := h.dedup.Do(ctx, operationTierVerify, normalized, func(ctx context.Context) (Verification, error) {
		sess, err := h.cache.Resolve(ctx, normalized)
		if err != nil {
			return Verification{}, err
		}
		return Verification{Verified: sess.Source != tier.SourceNone, Tier: sess.Tier, Source: sess.Source}, nil
	})
	return v, err
}

type verifyRequest struct {
	Email string `json:"email"`
}

// TierVerify handles POST /tier-verify.
func (h *Handler) TierVerify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	v, err := h.Verify(c.UserContext(), req.Email)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(v)
}
