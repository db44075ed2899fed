package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/config"
	"github.com/subscriber-dash/authcore/internal/tier"
)

func newIssuer(t *testing.T) (*Issuer, account.Repository, account.Account) {
	t.Helper()
	repo := account.NewMemoryRepository()
	acct, _, err := repo.Upsert(context.Background(), account.UpsertInput{Email: "reader@example.com", Tier: tier.Paid, Source: tier.SourceBeehiiv}, time.Now())
	require.NoError(t, err)
	cfg := config.Config{JWTSecret: "access-secret", RefreshSecret: "refresh-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour}
	return NewIssuer(cfg, repo), repo, acct
}

func TestMintAndAuthenticate(t *testing.T) {
	issuer, _, acct := newIssuer(t)

	pair, err := issuer.Mint(acct)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), pair.ExpiresIn)

	claims, err := issuer.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, claims.Subject)
	assert.Equal(t, tier.Paid, claims.Tier)
	assert.Equal(t, "reader@example.com", claims.Email)
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	issuer, _, acct := newIssuer(t)
	pair, err := issuer.Mint(acct)
	require.NoError(t, err)

	_, err = issuer.Authenticate(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestRevokeInvalidatesOutstandingTokens(t *testing.T) {
	issuer, _, acct := newIssuer(t)
	ctx := context.Background()
	pair, err := issuer.Mint(acct)
	require.NoError(t, err)

	_, _, err = issuer.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, acct.ID))

	_, err = issuer.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
	_, _, err = issuer.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestExpiredAccessToken(t *testing.T) {
	issuer, _, acct := newIssuer(t)
	past := time.Now().Add(-2 * time.Hour)
	pair, err := issuer.WithClock(func() time.Time { return past }).Mint(acct)
	require.NoError(t, err)

	_, err = issuer.Authenticate(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
