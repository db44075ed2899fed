package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
)

// Tokens issues and checks server-side session tokens.
type Tokens struct {
	repo    TokenRepository
	ttl     time.Duration
	version string
	now     func() time.Time
}

func NewTokens(repo TokenRepository, ttl time.Duration, version string) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if version == "" {
		version = DefaultVersion
	}
	return &Tokens{repo: repo, ttl: ttl, version: version, now: time.Now}
}

// WithClock returns a copy reading time from now.
func (t *Tokens) WithClock(now func() time.Time) *Tokens {
	cp := *t
	cp.now = now
	return &cp
}

// Issue records a new session token for a resolution and returns the
// session carrying the raw token. The raw token is not stored.
func (t *Tokens) Issue(ctx context.Context, res tier.Resolution) (Session, error) {
	now := t.now().UTC()
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = now
	}
	sess, err := New(res, t.ttl, t.version)
	if err != nil {
		return Session{}, err
	}
	raw, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	rec := Record{
		TokenHash: HashToken(raw),
		Email:     sess.Email,
		Tier:      sess.Tier,
		Source:    sess.Source,
		CreatedAt: sess.VerifiedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	if err := t.repo.Create(ctx, rec); err != nil {
		return Session{}, err
	}
	sess.SessionToken = raw
	return sess, nil
}

// Lookup returns the active record for a raw token. Unknown, revoked and
// expired tokens are autherr.ErrInvalidToken.
func (t *Tokens) Lookup(ctx context.Context, raw string) (Record, error) {
	if raw == "" {
		return Record{}, fmt.Errorf("empty session token: %w", autherr.ErrInvalidToken)
	}
	rec, err := t.repo.Lookup(ctx, HashToken(raw))
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Record{}, fmt.Errorf("unknown session token: %w", autherr.ErrInvalidToken)
		}
		return Record{}, err
	}
	if rec.RevokedAt != nil {
		return Record{}, fmt.Errorf("session token revoked: %w", autherr.ErrInvalidToken)
	}
	if !rec.Active(t.now()) {
		return Record{}, fmt.Errorf("session token expired: %w", autherr.ErrInvalidToken)
	}
	return rec, nil
}

// Bind attaches the backend user id to the record and records activity.
func (t *Tokens) Bind(ctx context.Context, rec Record, userID string) error {
	if rec.BackendUserID != userID {
		if err := t.repo.BindUser(ctx, rec.TokenHash, userID); err != nil {
			return err
		}
	}
	return t.repo.Touch(ctx, rec.TokenHash, t.now().UTC())
}

// Revoke ends a session token. Unknown tokens report autherr.ErrNotFound.
func (t *Tokens) Revoke(ctx context.Context, raw string) error {
	return t.repo.Revoke(ctx, HashToken(raw), t.now().UTC())
}
