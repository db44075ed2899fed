package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/config"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/notification"
	"github.com/subscriber-dash/authcore/internal/routes"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/verifier"
)

type mailbox struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (m *mailbox) Send(_ context.Context, msg notification.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mailbox) token(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	u, err := url.Parse(m.sent[len(m.sent)-1].Body)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func testConfig() config.Config {
	return config.Config{
		AppName:             "authcore-test",
		AppEnv:              "test",
		JWTSecret:           "access-secret",
		RefreshSecret:       "refresh-secret",
		AccessTokenTTL:      time.Hour,
		RefreshTokenTTL:     24 * time.Hour,
		SessionTTL:          7 * 24 * time.Hour,
		SessionRefreshAfter: time.Hour,
		SessionCacheVersion: "v1",
		DedupWindow:         5 * time.Second,
		VerifierTimeout:     2 * time.Second,
		MagicLinkTTL:        30 * time.Minute,
		MagicLinkBaseURL:    "https://dash.example.com/auth/callback",
		MagicLinkRatePerMin: 5,
		AdminFreshness:      15 * time.Minute,
		AdminDefaultTTL:     time.Hour,
		AdminMaxTTL:         8 * time.Hour,
		AdminMaxAttempts:    3,
		TOTPIssuer:          "SubscriberAuth",
		BackupCodeCount:     2,
	}
}

type client struct {
	t   *testing.T
	srv *Server
}

func (c client) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.srv.App().Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func newTestServer(t *testing.T) (client, *mailbox) {
	t.Helper()
	list := verifier.NewStatic(tier.SourceBeehiiv).Set("reader@example.com", tier.ListSignal(true, tier.Paid))
	purchase := verifier.NewStatic(tier.SourceWhop).Set("reader@example.com", tier.PurchaseSignal(true, "prod_1"))
	box := &mailbox{}
	srv, err := New(routes.Deps{
		Cfg:       testConfig(),
		Logger:    logging.Discard(),
		Verifiers: []tier.Verifier{list, purchase},
		Notifier:  box,
	})
	require.NoError(t, err)
	return client{t: t, srv: srv}, box
}

func TestProductionRequiresBackingServices(t *testing.T) {
	cfg := testConfig()
	cfg.AppEnv = "production"
	_, err := New(routes.Deps{Cfg: cfg, Logger: logging.Discard()})
	require.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	c, _ := newTestServer(t)

	code, body := c.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, code)
	status := body["status"].(map[string]any)
	assert.Equal(t, "memory", status["postgres"])

	code, body = c.do(http.MethodPost, "/api/v1/tier-verify", map[string]string{"email": "reader@example.com"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["verified"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := c.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "authcore_tier_resolutions_total")
}

func TestSignInBridgeAndLogout(t *testing.T) {
	c, box := newTestServer(t)

	code, body := c.do(http.MethodPost, "/api/v1/magic-link", map[string]string{"email": "Reader@Example.com"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["is_new_user"])

	code, sess := c.do(http.MethodPost, "/api/v1/magic-link/verify", map[string]string{"token": box.token(t)}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "premium", sess["tier"])
	assert.Equal(t, "whop", sess["source"])
	sessionToken, _ := sess["session_token"].(string)
	require.NotEmpty(t, sessionToken)

	code, _ = c.do(http.MethodPost, "/api/v1/magic-link/verify", map[string]string{"token": box.token(t)}, nil)
	assert.Equal(t, http.StatusUnauthorized, code, "links are single use")

	code, _ = c.do(http.MethodPost, "/api/v1/bridge", map[string]string{"session_token": sessionToken, "email": "other@example.com"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, bridged := c.do(http.MethodPost, "/api/v1/bridge", map[string]string{"session_token": sessionToken, "email": "reader@example.com"}, nil)
	require.Equal(t, http.StatusOK, code)
	access, _ := bridged["access_token"].(string)
	require.NotEmpty(t, access)
	user := bridged["user"].(map[string]any)
	assert.Equal(t, "premium", user["subscription_tier"])

	bearer := map[string]string{"Authorization": "Bearer " + access}
	code, me := c.do(http.MethodGet, "/api/v1/me", nil, bearer)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, user["id"], me["id"])
	assert.Equal(t, "premium", me["tier"])

	code, _ = c.do(http.MethodPost, "/api/v1/auth/logout", map[string]string{"session_token": sessionToken}, bearer)
	require.Equal(t, http.StatusOK, code)

	code, _ = c.do(http.MethodGet, "/api/v1/me", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = c.do(http.MethodPost, "/api/v1/bridge", map[string]string{"session_token": sessionToken, "email": "reader@example.com"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAdminRoutesRequireTwoFactor(t *testing.T) {
	c, _ := newTestServer(t)

	code, _ := c.do(http.MethodGet, "/api/v1/admin/devices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.do(http.MethodPost, "/api/v1/admin/accounts/tier", map[string]string{"email": "reader@example.com", "tier": "premium"},
		map[string]string{"X-Admin-Session": "not-a-session"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRequestValidation(t *testing.T) {
	c, _ := newTestServer(t)

	code, body := c.do(http.MethodPost, "/api/v1/auth/logout", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, map[string]any{"session_token": "is required"}, body["fields"])

	code, body = c.do(http.MethodPost, "/api/v1/auth/refresh", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, map[string]any{"refresh_token": "is required"}, body["fields"])

	code, body = c.do(http.MethodPost, "/api/v1/register", map[string]string{"email": "reader@example.com"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, map[string]any{"password": "is required"}, body["fields"])
}
