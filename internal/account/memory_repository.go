package account

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
)

type memoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account // keyed by email
}

// NewMemoryRepository builds an in-memory account store for tests and dev mode.
func NewMemoryRepository() Repository {
	return &memoryRepository{accounts: make(map[string]Account)}
}

func (r *memoryRepository) Create(_ context.Context, acct Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[acct.Email]; exists {
		return ErrExists
	}
	acct.UpdatedAt = acct.CreatedAt
	if acct.TierUpdatedAt.IsZero() {
		acct.TierUpdatedAt = acct.CreatedAt
	}
	r.accounts[acct.Email] = acct
	return nil
}

func (r *memoryRepository) FindByEmail(_ context.Context, email string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[email]
	if !ok {
		return Account{}, autherr.ErrNotFound
	}
	return acct, nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, acct := range r.accounts {
		if acct.ID == id {
			return acct, nil
		}
	}
	return Account{}, autherr.ErrNotFound
}

func (r *memoryRepository) Upsert(_ context.Context, in UpsertInput, now time.Time) (Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now = now.UTC()
	acct, exists := r.accounts[in.Email]
	if !exists {
		acct = Account{
			ID:        uuid.NewString(),
			Email:     in.Email,
			UserType:  UserTypeSubscriber,
			CreatedAt: now,
			Metadata:  map[string]any{},
		}
	}
	verifiedAt := in.VerifiedAt.UTC()
	if in.VerifiedAt.IsZero() {
		verifiedAt = now
	}
	if !exists || !verifiedAt.Before(acct.TierUpdatedAt) {
		metadata := make(map[string]any, len(acct.Metadata)+1)
		for k, v := range acct.Metadata {
			metadata[k] = v
		}
		metadata["tier_source"] = string(in.Source)
		acct.Metadata = metadata
		acct.Tier = in.Tier
		acct.TierUpdatedAt = verifiedAt
	}
	acct.Status = StatusActive
	acct.UpdatedAt = now
	r.accounts[in.Email] = acct
	return acct, !exists, nil
}

func (r *memoryRepository) SetPassword(_ context.Context, id string, hash []byte) error {
	return r.mutate(id, func(a *Account) { a.PasswordHash = hash })
}

func (r *memoryRepository) UpdateTier(_ context.Context, id string, t tier.Tier) error {
	at := time.Now().UTC()
	return r.mutate(id, func(a *Account) {
		a.Tier = t
		a.TierUpdatedAt = at
	})
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, id string, version int) error {
	return r.mutate(id, func(a *Account) { a.TokenVersion = version })
}

func (r *memoryRepository) Touch(_ context.Context, id string, at time.Time) error {
	at = at.UTC()
	return r.mutate(id, func(a *Account) { a.LastActivityAt = &at })
}

func (r *memoryRepository) mutate(id string, fn func(*Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for email, acct := range r.accounts {
		if acct.ID == id {
			fn(&acct)
			r.accounts[email] = acct
			return nil
		}
	}
	return autherr.ErrNotFound
}
