// Package session holds verified subscriber sessions: the cached Session
// value, the stores it lives in and the server-side session token table.
package session

import (
	"fmt"
	"time"

	"github.com/subscriber-dash/authcore/internal/tier"
)

// Session is the cached result of a tier verification.
type Session struct {
	Email        string      `json:"email"`
	Tier         tier.Tier   `json:"tier"`
	Source       tier.Source `json:"source"`
	VerifiedAt   time.Time   `json:"verified_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	SessionToken string      `json:"session_token,omitempty"`
	Version      string      `json:"version"`
}

// New builds a session from a resolution. The session lives for ttl from the
// moment of resolution.
func New(res tier.Resolution, ttl time.Duration, version string) (Session, error) {
	s := Session{
		Email:      res.Email,
		Tier:       res.Tier,
		Source:     res.Source,
		VerifiedAt: res.ResolvedAt,
		ExpiresAt:  res.ResolvedAt.Add(ttl),
		Version:    version,
	}
	if err := s.check(); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (s Session) check() error {
	if s.Email == "" {
		return fmt.Errorf("session without email")
	}
	if !s.ExpiresAt.After(s.VerifiedAt) {
		return fmt.Errorf("session expires at %s, not after verification at %s", s.ExpiresAt, s.VerifiedAt)
	}
	if !s.Tier.Valid() {
		return fmt.Errorf("session tier %q", s.Tier)
	}
	return nil
}

// IsValid reports whether the session has not yet expired.
func (s Session) IsValid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether the verification is older than after.
func (s Session) NeedsRefresh(now time.Time, after time.Duration) bool {
	return now.Sub(s.VerifiedAt) > after
}
