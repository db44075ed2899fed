package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/bridge"
	"github.com/subscriber-dash/authcore/internal/magiclink"
	"github.com/subscriber-dash/authcore/internal/session"
)

// Backend is the auth service as seen from the dashboard.
type Backend interface {
	VerifyTier(ctx context.Context, email string) (session.Verification, error)
	SendMagicLink(ctx context.Context, email string) (magiclink.Result, error)
	ConsumeMagicLink(ctx context.Context, token string) (session.Session, error)
	Bridge(ctx context.Context, req bridge.Request) (bridge.Response, error)
	// Revoke ends the session token and, when accessToken is set, the
	// backend credentials minted from it.
	Revoke(ctx context.Context, sessionToken, accessToken string) error
}

const defaultBackendTimeout = 10 * time.Second

// HTTPBackend calls the auth service's JSON API under /api/v1.
type HTTPBackend struct {
	baseURL string
	timeout time.Duration
}

// NewHTTPBackend targets baseURL, for example "https://auth.example.com".
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/") + "/api/v1", timeout: timeout}
}

// VerifyTier reports a 401 from tier-verify as autherr.ErrUnauthenticated:
// no provider could vouch for the email, which is not a free verification.
func (b *HTTPBackend) VerifyTier(ctx context.Context, email string) (session.Verification, error) {
	var out session.Verification
	err := b.post(ctx, "/tier-verify", "", map[string]string{"email": email}, &out)
	if errors.Is(err, autherr.ErrInvalidToken) {
		return session.Verification{}, fmt.Errorf("tier-verify: %w", autherr.ErrUnauthenticated)
	}
	return out, err
}

func (b *HTTPBackend) SendMagicLink(ctx context.Context, email string) (magiclink.Result, error) {
	var out magiclink.Result
	err := b.post(ctx, "/magic-link", "", map[string]string{"email": email}, &out)
	return out, err
}

func (b *HTTPBackend) ConsumeMagicLink(ctx context.Context, token string) (session.Session, error) {
	var out session.Session
	err := b.post(ctx, "/magic-link/verify", "", map[string]string{"token": token}, &out)
	return out, err
}

func (b *HTTPBackend) Bridge(ctx context.Context, req bridge.Request) (bridge.Response, error) {
	var out bridge.Response
	err := b.post(ctx, "/bridge", "", req, &out)
	return out, err
}

func (b *HTTPBackend) Revoke(ctx context.Context, sessionToken, accessToken string) error {
	return b.post(ctx, "/auth/logout", accessToken, map[string]string{"session_token": sessionToken}, nil)
}

type reply struct {
	code int
	body []byte
	err  error
}

// post sends body as JSON and decodes a 200 response into out. It returns
// early when ctx is cancelled even if the request is still running.
func (b *HTTPBackend) post(ctx context.Context, path, bearer string, body, out any) error {
	timeout := b.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	ch := make(chan reply, 1)
	go func() {
		agent := fiber.Post(b.baseURL+path).
			Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON).
			JSON(body).
			Timeout(timeout)
		if bearer != "" {
			agent.Set(fiber.HeaderAuthorization, "Bearer "+bearer)
		}
		code, raw, errs := agent.Bytes()
		ch <- reply{code: code, body: raw, err: errors.Join(errs...)}
	}()

	var r reply
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", autherr.ErrVerificationUnavailable, ctx.Err())
	case r = <-ch:
	}
	if r.err != nil {
		return fmt.Errorf("%w: %v", autherr.ErrVerificationUnavailable, r.err)
	}
	if r.code != http.StatusOK {
		return statusError(r.code, r.body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", autherr.ErrVerificationUnavailable, path, err)
	}
	return nil
}

// statusError maps a backend status back onto the error taxonomy.
func statusError(code int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusBadRequest:
		return autherr.NewValidationError("request", msg)
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", msg, autherr.ErrInvalidToken)
	case code == http.StatusLocked:
		return fmt.Errorf("%s: %w", msg, autherr.ErrLockedAccount)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, autherr.ErrNotFound)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: backend status %d", autherr.ErrVerificationUnavailable, code)
	default:
		return fiber.NewError(code, msg)
	}
}
