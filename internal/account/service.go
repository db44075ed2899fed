package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// ErrInvalidCredentials is returned for an unknown email or wrong password.
var ErrInvalidCredentials = fmt.Errorf("invalid email or password: %w", autherr.ErrInvalidToken)

// Service manages the backend account lifecycle.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new account service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Repo exposes the underlying repository to collaborators that need raw lookups.
func (s *Service) Repo() Repository {
	return s.repo
}

// Provision returns the account for email, silently creating a pending
// free-tier account when none exists. created reports an implicit sign-up.
func (s *Service) Provision(ctx context.Context, email string) (Account, bool, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Account{}, false, err
	}
	acct, err := s.repo.FindByEmail(ctx, normalized)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, autherr.ErrNotFound) {
		return Account{}, false, err
	}

	acct = s.newAccount(normalized, nil)
	if err := s.repo.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrExists) {
			// Lost a race with a concurrent provision; the row is there now.
			existing, findErr := s.repo.FindByEmail(ctx, normalized)
			return existing, false, findErr
		}
		return Account{}, false, err
	}
	return acct, true, nil
}

// Register creates a credentialed account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (Account, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Account{}, err
	}
	if err := validate.Password(password); err != nil {
		return Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, err
	}

	existing, err := s.repo.FindByEmail(ctx, normalized)
	switch {
	case err == nil && len(existing.PasswordHash) > 0:
		return Account{}, ErrExists
	case err == nil:
		// Magic-link users may add a password later.
		if err := s.repo.SetPassword(ctx, existing.ID, hash); err != nil {
			return Account{}, err
		}
		existing.PasswordHash = hash
		return existing, nil
	case !errors.Is(err, autherr.ErrNotFound):
		return Account{}, err
	}

	acct := s.newAccount(normalized, hash)
	if err := s.repo.Create(ctx, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Authenticate verifies a credentialed login.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Account{}, err
	}
	if err := validate.Password(password); err != nil {
		return Account{}, err
	}
	acct, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}
	if len(acct.PasswordHash) == 0 {
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return acct, nil
}

// SetTier overrides the stored tier for email. Only the three known tiers
// are accepted.
func (s *Service) SetTier(ctx context.Context, email string, t tier.Tier) (Account, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Account{}, err
	}
	if !t.Valid() {
		return Account{}, autherr.NewValidationError("tier", "must be one of free, paid, premium")
	}
	acct, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		return Account{}, err
	}
	if err := s.repo.UpdateTier(ctx, acct.ID, t); err != nil {
		return Account{}, err
	}
	acct.Tier = t
	return acct, nil
}

func (s *Service) newAccount(email string, hash []byte) Account {
	now := s.now().UTC()
	return Account{
		ID:           uuid.New().String(),
		Email:        email,
		Tier:         tier.Free,
		UserType:     UserTypeSubscriber,
		Status:       StatusPending,
		PasswordHash: hash,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
