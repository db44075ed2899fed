package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/config"
)

// Issuer mints and verifies backend credentials bound to an account id.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	accounts      account.Repository
	now           func() time.Time
}

// NewIssuer builds an Issuer from configuration. In development a missing
// secret is replaced by a random one, which invalidates tokens on restart.
func NewIssuer(cfg config.Config, accounts account.Repository) *Issuer {
	return &Issuer{
		accessSecret:  secretOrRandom(cfg.JWTSecret),
		refreshSecret: secretOrRandom(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTokenTTL,
		refreshTTL:    cfg.RefreshTokenTTL,
		accounts:      accounts,
		now:           time.Now,
	}
}

// WithClock returns a copy of the issuer reading time from now.
func (s *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *s
	cp.now = now
	return &cp
}

// Pair is an access/refresh token pair.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Mint issues a fresh token pair for acct.
func (s *Issuer) Mint(acct account.Account) (Pair, error) {
	access, err := s.sign(acct, typeAccess, s.accessSecret, s.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.sign(acct, typeRefresh, s.refreshSecret, s.refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.accessTTL.Seconds())}, nil
}

func (s *Issuer) sign(acct account.Account, typ string, secret []byte, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Email:   acct.Email,
		Tier:    acct.Tier,
		Version: acct.TokenVersion,
		Type:    typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return sign(claims, secret)
}

// Authenticate verifies an access token and checks its version against the
// account so logged-out tokens stop working.
func (s *Issuer) Authenticate(ctx context.Context, raw string) (Claims, error) {
	claims, err := parse(raw, s.accessSecret, typeAccess, s.now)
	if err != nil {
		return Claims{}, err
	}
	if err := s.checkVersion(ctx, claims); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// Refresh verifies the refresh token and returns a new access token if valid.
func (s *Issuer) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	claims, err := parse(refreshToken, s.refreshSecret, typeRefresh, s.now)
	if err != nil {
		return "", 0, err
	}
	acct, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return "", 0, fmt.Errorf("account gone: %w", autherr.ErrInvalidToken)
		}
		return "", 0, err
	}
	if acct.TokenVersion != claims.Version {
		return "", 0, fmt.Errorf("token version invalidated: %w", autherr.ErrInvalidToken)
	}
	access, err := s.sign(acct, typeAccess, s.accessSecret, s.accessTTL)
	if err != nil {
		return "", 0, err
	}
	return access, int64(s.accessTTL.Seconds()), nil
}

// Revoke increments the account's token version so older tokens become invalid.
func (s *Issuer) Revoke(ctx context.Context, userID string) error {
	acct, err := s.accounts.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.accounts.UpdateTokenVersion(ctx, acct.ID, acct.TokenVersion+1)
}

func (s *Issuer) checkVersion(ctx context.Context, claims Claims) error {
	acct, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return fmt.Errorf("account gone: %w", autherr.ErrInvalidToken)
		}
		return err
	}
	if acct.TokenVersion != claims.Version {
		return fmt.Errorf("token invalidated: %w", autherr.ErrInvalidToken)
	}
	return nil
}

func secretOrRandom(secret string) []byte {
	if secret != "" {
		return []byte(secret)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token: read random secret: %v", err))
	}
	return []byte(hex.EncodeToString(buf))
}
