// Package autherr holds the error taxonomy shared by the resolver, bridge,
// magic link and two-factor flows, and its mapping onto HTTP statuses.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
)

var (
	// ErrVerificationUnavailable marks a provider that could not be reached.
	// It never leaves the tier resolver.
	ErrVerificationUnavailable = errors.New("verification unavailable")

	// ErrInvalidToken covers missing, expired, revoked or mismatched session,
	// link and two-factor tokens.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrLockedAccount is returned once an admin exceeded the failed attempt
	// threshold. It is only cleared by an explicit unlock.
	ErrLockedAccount = errors.New("account locked")

	// ErrUnauthenticated means no identity source vouched for the email and
	// no cached session exists. It is distinct from an authenticated free user.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrStaleSession is returned when a verified two-factor session is still
	// valid but outside its freshness window for a new sensitive action.
	ErrStaleSession = errors.New("two-factor verification is no longer fresh")

	// ErrNotFound is returned by repositories and stores on a miss.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed input, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// HTTPStatus maps an error onto the status returned at the HTTP boundary.
func HTTPStatus(err error) int {
	var fe *fiber.Error
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &fe):
		return fe.Code
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrStaleSession):
		return http.StatusUnauthorized
	case errors.Is(err, ErrLockedAccount):
		return http.StatusLocked
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVerificationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Handler is the fiber ErrorHandler. Internal errors are reported with a
// generic message so storage details do not leak to clients.
func Handler(c *fiber.Ctx, err error) error {
	status := HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	body := fiber.Map{"error": message}
	var v *ValidationError
	if errors.As(err, &v) {
		body["fields"] = v.Fields
	}
	return c.Status(status).JSON(body)
}
