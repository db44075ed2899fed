package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
)

func TestProvisionCreatesFreePendingAccount(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	acct, created, err := svc.Provision(ctx, "New@Example.com")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "new@example.com", acct.Email)
	assert.Equal(t, tier.Free, acct.Tier)
	assert.Equal(t, StatusPending, acct.Status)
	assert.Empty(t, acct.PasswordHash)

	again, created, err := svc.Provision(ctx, "new@example.com")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, acct.ID, again.ID)
}

func TestProvisionConcurrentCallsShareOneAccount(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct, _, err := svc.Provision(ctx, "race@example.com")
			if err != nil {
				t.Errorf("provision %d: %v", i, err)
				return
			}
			ids[i] = acct.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	acct, err := svc.Register(ctx, "member@example.com", "correct-horse")
	require.NoError(t, err)

	authed, err := svc.Authenticate(ctx, "member@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, authed.ID)

	_, err = svc.Authenticate(ctx, "member@example.com", "wrong-password")
	require.ErrorIs(t, err, autherr.ErrInvalidToken)

	_, err = svc.Register(ctx, "member@example.com", "another-pass")
	require.True(t, errors.Is(err, ErrExists))
}

func TestRegisterAddsPasswordToMagicLinkAccount(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	provisioned, _, err := svc.Provision(ctx, "link@example.com")
	require.NoError(t, err)

	registered, err := svc.Register(ctx, "link@example.com", "long-password")
	require.NoError(t, err)
	assert.Equal(t, provisioned.ID, registered.ID)

	_, err = svc.Authenticate(ctx, "link@example.com", "long-password")
	require.NoError(t, err)
}

func TestAuthenticateValidatesInput(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	_, err := svc.Authenticate(context.Background(), "member@example.com", "short")
	assert.True(t, autherr.IsValidation(err))

	_, err = svc.Authenticate(context.Background(), "nobody@example.com", "long-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMemoryUpsertReusesID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	first, created, err := repo.Upsert(ctx, UpsertInput{Email: "a@example.com", Tier: tier.Paid, Source: tier.SourceBeehiiv}, now)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.Upsert(ctx, UpsertInput{Email: "a@example.com", Tier: tier.Premium, Source: tier.SourceWhop}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, tier.Premium, second.Tier)
	assert.Equal(t, "whop", second.Metadata["tier_source"])
	assert.Equal(t, "beehiiv", first.Metadata["tier_source"])
}

func TestCurrentUserClampsTier(t *testing.T) {
	u := Account{ID: "1", Email: "a@example.com", Tier: "gold"}.CurrentUser()
	assert.Equal(t, tier.Free, u.Tier)
}

func TestSetTierOverridesStoredTier(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()
	acct, _, err := svc.Provision(ctx, "reader@example.com")
	require.NoError(t, err)

	updated, err := svc.SetTier(ctx, "Reader@Example.com", tier.Premium)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, updated.ID)
	assert.Equal(t, tier.Premium, updated.Tier)

	stored, err := svc.Repo().FindByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, stored.Tier)

	_, err = svc.SetTier(ctx, "reader@example.com", tier.Tier("gold"))
	assert.True(t, autherr.IsValidation(err))

	_, err = svc.SetTier(ctx, "nobody@example.com", tier.Paid)
	assert.ErrorIs(t, err, autherr.ErrNotFound)
}
