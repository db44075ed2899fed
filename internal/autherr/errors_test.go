package autherr

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid token", fmt.Errorf("bridge: %w", ErrInvalidToken), http.StatusUnauthorized},
		{"stale", ErrStaleSession, http.StatusUnauthorized},
		{"locked", fmt.Errorf("verify: %w", ErrLockedAccount), http.StatusLocked},
		{"validation", NewValidationError("email", "must be a valid email"), http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"fiber", fiber.NewError(http.StatusTooManyRequests, "slow down"), http.StatusTooManyRequests},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestHandlerHidesInternalErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: Handler})
	app.Get("/internal", func(c *fiber.Ctx) error { return fmt.Errorf("pq: connection refused") })
	app.Get("/invalid", func(c *fiber.Ctx) error { return NewValidationError("email", "required") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/internal", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "connection refused")

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/invalid", nil))
	require.NoError(t, err)
	var decoded struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "required", decoded.Fields["email"])
}
