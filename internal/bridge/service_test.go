package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/config"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/token"
)

type fixture struct {
	service  *Service
	tokens   *session.Tokens
	accounts account.Repository
	issuer   *token.Issuer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	accounts := account.NewMemoryRepository()
	tokens := session.NewTokens(session.NewMemoryTokenRepository(), time.Hour, "v1")
	issuer := token.NewIssuer(config.Config{JWTSecret: "a", RefreshSecret: "r", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour}, accounts)
	return fixture{service: NewService(tokens, accounts, issuer, nil), tokens: tokens, accounts: accounts, issuer: issuer}
}

func (f fixture) issue(t *testing.T, email string, tr tier.Tier, src tier.Source) session.Session {
	t.Helper()
	sess, err := f.tokens.Issue(context.Background(), tier.Resolution{Email: email, Tier: tr, Source: src, ResolvedAt: time.Now()})
	require.NoError(t, err)
	return sess
}

func TestExchangeReusesBackendUserID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.issue(t, "reader@example.com", tier.Premium, tier.SourceWhop)

	first, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, first.User.ID)
	assert.Equal(t, tier.Premium, first.User.SubscriptionTier)

	second, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "Reader@Example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)

	other := f.issue(t, "reader@example.com", tier.Premium, tier.SourceWhop)
	third, err := f.service.Exchange(ctx, Request{SessionToken: other.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, third.User.ID)

	claims, err := f.issuer.Authenticate(ctx, third.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, claims.Subject)
	assert.Equal(t, tier.Premium, claims.Tier)

	rec, err := f.tokens.Lookup(ctx, sess.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, rec.BackendUserID)
	assert.NotNil(t, rec.LastActivityAt)
}

func TestExchangeUpdatesExistingAccountTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, _, err := f.accounts.Upsert(ctx, account.UpsertInput{Email: "reader@example.com", Tier: tier.Free, Source: tier.SourceNone}, time.Now())
	require.NoError(t, err)

	sess := f.issue(t, "reader@example.com", tier.Paid, tier.SourceBeehiiv)
	resp, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, resp.User.ID)

	acct, err := f.accounts.FindByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, tier.Paid, acct.Tier)
	assert.Equal(t, "beehiiv", acct.Metadata["tier_source"])
}

func TestReBridgeKeepsNewerAdminTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.issue(t, "reader@example.com", tier.Free, tier.SourceBeehiiv)

	first, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, tier.Free, first.User.SubscriptionTier)

	_, err = account.NewService(f.accounts).SetTier(ctx, "reader@example.com", tier.Premium)
	require.NoError(t, err)

	again, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, again.User.SubscriptionTier, "a token minted earlier must not roll back a later correction")

	claims, err := f.issuer.Authenticate(ctx, again.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, claims.Tier)

	acct, err := f.accounts.FindByEmail(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, acct.Tier)
}

type cachedSessions map[string]session.Session

func (c cachedSessions) Get(_ context.Context, email string) (session.Session, error) {
	s, ok := c[email]
	if !ok {
		return session.Session{}, autherr.ErrNotFound
	}
	return s, nil
}

func TestExchangeUsesNewerCachedTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.issue(t, "reader@example.com", tier.Free, tier.SourceBeehiiv)
	cached := cachedSessions{}
	f.service.WithSessions(cached)

	first, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, tier.Free, first.User.SubscriptionTier, "a cache miss falls back to the token tier")

	cached["reader@example.com"] = session.Session{
		Email:      "reader@example.com",
		Tier:       tier.Premium,
		Source:     tier.SourceWhop,
		VerifiedAt: time.Now().Add(time.Minute),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	second, err := f.service.Exchange(ctx, Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, second.User.SubscriptionTier, "a purchase verified after sign-in reaches the account")
	assert.Equal(t, first.User.ID, second.User.ID)

	acct, err := f.accounts.FindByID(ctx, first.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "whop", acct.Metadata["tier_source"])
}

func TestExchangeRejectsWithoutMinting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.issue(t, "reader@example.com", tier.Premium, tier.SourceWhop)
	revoked := f.issue(t, "reader@example.com", tier.Premium, tier.SourceWhop)
	require.NoError(t, f.tokens.Revoke(ctx, revoked.SessionToken))

	cases := map[string]Request{
		"unknown token":  {SessionToken: "forged", Email: "reader@example.com"},
		"email mismatch": {SessionToken: sess.SessionToken, Email: "attacker@example.com"},
		"revoked token":  {SessionToken: revoked.SessionToken, Email: "reader@example.com"},
		"empty token":    {Email: "reader@example.com"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := f.service.Exchange(ctx, req)
			require.ErrorIs(t, err, autherr.ErrInvalidToken)
			assert.Empty(t, resp.AccessToken)
		})
	}

	_, err := f.accounts.FindByEmail(ctx, "reader@example.com")
	require.ErrorIs(t, err, autherr.ErrNotFound, "no account may be created for a rejected exchange")
	_, err = f.accounts.FindByEmail(ctx, "attacker@example.com")
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestExchangeRejectsExpiredToken(t *testing.T) {
	f := newFixture(t)
	sess := f.issue(t, "reader@example.com", tier.Paid, tier.SourceBeehiiv)
	f.service.tokens = f.tokens.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	_, err := f.service.Exchange(context.Background(), Request{SessionToken: sess.SessionToken, Email: "reader@example.com"})
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestHandlerMapsInvalidTokenTo401(t *testing.T) {
	f := newFixture(t)
	app := fiber.New(fiber.Config{ErrorHandler: autherr.Handler})
	app.Post("/bridge", NewHandler(f.service).Exchange)

	req := httptest.NewRequest(http.MethodPost, "/bridge", strings.NewReader(`{"session_token":"forged","email":"reader@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	sess := f.issue(t, "reader@example.com", tier.Paid, tier.SourceBeehiiv)
	req = httptest.NewRequest(http.MethodPost, "/bridge", strings.NewReader(`{"session_token":"`+sess.SessionToken+`","email":"reader@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
