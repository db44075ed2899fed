package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/bridge"
	"github.com/subscriber-dash/authcore/internal/magiclink"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
)

type fakeBackend struct {
	mu       sync.Mutex
	events   []string
	bridged  []bridge.Request
	revoked  []string
	verify   session.Verification
	down     bool
	sends    atomic.Int32
	verifies atomic.Int32
	now      func() time.Time

	revokeErr     error
	revokeRelease chan struct{}
}

func (f *fakeBackend) record(ev string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeBackend) VerifyTier(context.Context, string) (session.Verification, error) {
	f.verifies.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return session.Verification{}, autherr.ErrVerificationUnavailable
	}
	return f.verify, nil
}

func (f *fakeBackend) SendMagicLink(context.Context, string) (magiclink.Result, error) {
	f.sends.Add(1)
	return magiclink.Result{Success: true, IsNewUser: f.sends.Load() == 1}, nil
}

func (f *fakeBackend) ConsumeMagicLink(_ context.Context, token string) (session.Session, error) {
	if token != "link-token" {
		return session.Session{}, autherr.ErrInvalidToken
	}
	now := f.now()
	return session.Session{
		Email:        "reader@example.com",
		Tier:         tier.Free,
		Source:       tier.SourceCredential,
		VerifiedAt:   now,
		ExpiresAt:    now.Add(7 * 24 * time.Hour),
		SessionToken: "sess-token",
		Version:      "v1",
	}, nil
}

func (f *fakeBackend) Bridge(_ context.Context, req bridge.Request) (bridge.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridged = append(f.bridged, req)
	return bridge.Response{
		AccessToken: "access",
		User:        bridge.User{ID: "u-1", Email: req.Email, SubscriptionTier: tier.Free},
	}, nil
}

func (f *fakeBackend) Revoke(_ context.Context, sessionToken, accessToken string) error {
	if f.revokeRelease != nil {
		<-f.revokeRelease
	}
	f.record("revoke")
	f.mu.Lock()
	f.revoked = append(f.revoked, sessionToken+"|"+accessToken)
	f.mu.Unlock()
	return f.revokeErr
}

type fixture struct {
	auth    *AuthContext
	backend *fakeBackend
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.backend = &fakeBackend{
		now:    clock,
		verify: session.Verification{Verified: true, Tier: tier.Paid, Source: tier.SourceBeehiiv},
	}
	f.auth = New(Options{
		Backend:    f.backend,
		Now:        clock,
		OnRedirect: func(path string) { f.backend.record("redirect:" + path) },
	})
	return f
}

func TestLoginResolvesTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.False(t, f.auth.IsAuthenticated())

	u, err := f.auth.Login(ctx, "Reader@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", u.Email)
	assert.Equal(t, tier.Paid, u.Tier)
	assert.Equal(t, tier.SourceBeehiiv, u.Source)
	assert.True(t, f.auth.IsAuthenticated())
	assert.False(t, f.auth.IsLoading())

	_, err = f.auth.Bridge(ctx)
	require.ErrorIs(t, err, autherr.ErrInvalidToken, "a verified email alone cannot be bridged")
}

func TestLoginWithEveryProviderDown(t *testing.T) {
	f := newFixture(t)
	f.backend.down = true

	_, err := f.auth.Login(context.Background(), "reader@example.com")
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	assert.False(t, f.auth.IsAuthenticated())
}

func TestOverrideNeverReachesBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.CompleteMagicLink(ctx, "link-token")
	require.NoError(t, err)
	require.NoError(t, f.auth.SetTierOverride(tier.Premium))

	u, ok := f.auth.CurrentUser(ctx)
	require.True(t, ok)
	assert.Equal(t, tier.Premium, u.Tier)
	assert.True(t, u.Overridden)

	resp, err := f.auth.Bridge(ctx)
	require.NoError(t, err)
	assert.Equal(t, tier.Free, resp.User.SubscriptionTier)
	require.Len(t, f.backend.bridged, 1)
	assert.Equal(t, bridge.Request{SessionToken: "sess-token", Email: "reader@example.com"}, f.backend.bridged[0])

	f.auth.ClearTierOverride()
	u, _ = f.auth.CurrentUser(ctx)
	assert.Equal(t, tier.Free, u.Tier)
	assert.False(t, u.Overridden)

	require.True(t, autherr.IsValidation(f.auth.SetTierOverride(tier.Tier("gold"))))
}

func TestLogoutClearsAndRedirectsBeforeRevoking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.CompleteMagicLink(ctx, "link-token")
	require.NoError(t, err)
	_, err = f.auth.Bridge(ctx)
	require.NoError(t, err)

	f.backend.revokeRelease = make(chan struct{})
	f.backend.revokeErr = errors.New("backend unreachable")

	f.auth.Logout(ctx)
	assert.False(t, f.auth.IsAuthenticated(), "state is cleared before the backend answers")
	_, err = f.auth.Bridge(ctx)
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	close(f.backend.revokeRelease)
	f.auth.Wait()

	assert.Equal(t, []string{"redirect:" + LoginPath, "revoke"}, f.backend.events)
	assert.Equal(t, []string{"sess-token|access"}, f.backend.revoked)

	_, ok, err := f.auth.Restore(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "the cached session is evicted")
}

func TestRestoreRefreshesStaleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.CompleteMagicLink(ctx, "link-token")
	require.NoError(t, err)
	require.Equal(t, int32(0), f.backend.verifies.Load())

	f.now = f.now.Add(30 * time.Minute)
	u, ok, err := f.auth.Restore(ctx, "reader@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tier.Free, u.Tier, "fresh entries are served as cached")
	assert.Equal(t, int32(0), f.backend.verifies.Load())

	f.now = f.now.Add(2 * time.Hour)
	u, ok, err = f.auth.Restore(ctx, "reader@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tier.Paid, u.Tier, "stale entries are re-verified before use")
	assert.Equal(t, int32(1), f.backend.verifies.Load())

	_, err = f.auth.Bridge(ctx)
	require.NoError(t, err, "the refreshed session keeps its token")
}

func TestCurrentUserRefreshesStaleSessionBeforeReading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.CompleteMagicLink(ctx, "link-token")
	require.NoError(t, err)

	f.now = f.now.Add(3 * time.Hour)
	u, ok := f.auth.CurrentUser(ctx)
	require.True(t, ok)
	assert.Equal(t, int32(1), f.backend.verifies.Load())
	assert.Equal(t, tier.Paid, u.Tier)
	assert.False(t, f.auth.IsLoading())

	u, ok = f.auth.CurrentUser(ctx)
	require.True(t, ok)
	assert.Equal(t, tier.Paid, u.Tier)
	assert.Equal(t, int32(1), f.backend.verifies.Load(), "a refreshed session is fresh again")

	_, err = f.auth.Bridge(ctx)
	require.NoError(t, err, "the refreshed session keeps its token")

	f.backend.down = true
	f.now = f.now.Add(3 * time.Hour)
	u, ok = f.auth.CurrentUser(ctx)
	require.True(t, ok)
	assert.Equal(t, tier.Paid, u.Tier, "an unreachable backend leaves the cached tier")
	assert.Equal(t, int32(2), f.backend.verifies.Load())
}

func TestRefreshCurrentUserKeepsSessionWhenBackendDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.RefreshCurrentUser(ctx)
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	_, err = f.auth.CompleteMagicLink(ctx, "link-token")
	require.NoError(t, err)

	f.backend.down = true
	u, err := f.auth.RefreshCurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, tier.Free, u.Tier)

	f.backend.down = false
	u, err = f.auth.RefreshCurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, tier.Paid, u.Tier)
}

func TestSendMagicLinkIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.auth.SendMagicLink(ctx, "reader@example.com")
	require.NoError(t, err)
	second, err := f.auth.SendMagicLink(ctx, "READER@example.com")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.backend.sends.Load())

	f.now = f.now.Add(6 * time.Second)
	_, err = f.auth.SendMagicLink(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.backend.sends.Load())
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	anon := FromContext(ctx)
	assert.False(t, anon.IsAuthenticated())
	_, err := anon.Login(ctx, "reader@example.com")
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	anon.Logout(ctx)

	f := newFixture(t)
	assert.Same(t, f.auth, FromContext(WithAuth(ctx, f.auth)))
}
