// Package bridge exchanges a verified session for backend credentials.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/token"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// Request carries only the session token and email. Client-side tier
// overrides have no field here.
type Request struct {
	SessionToken string `json:"session_token"`
	Email        string `json:"email"`
}

// User is the backend identity returned with the credentials.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	SubscriptionTier tier.Tier `json:"subscription_tier"`
}

// Response is the backend credential pair for a bridged session.
type Response struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}

// Sessions returns the current cached session for an email, re-verifying
// it first when it is stale. *session.Cache implements it.
type Sessions interface {
	Get(ctx context.Context, email string) (session.Session, error)
}

// Service validates session tokens and mints backend credentials.
type Service struct {
	tokens   *session.Tokens
	accounts account.Repository
	issuer   *token.Issuer
	sessions Sessions
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(tokens *session.Tokens, accounts account.Repository, issuer *token.Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{tokens: tokens, accounts: accounts, issuer: issuer, logger: logger, now: time.Now}
}

// WithSessions makes Exchange write the tier of the cached session when it
// is newer than the one recorded with the session token.
func (s *Service) WithSessions(sessions Sessions) *Service {
	s.sessions = sessions
	return s
}

// currentTier picks the newest known tier for the record's email. The
// repository keeps a stored tier that changed after the returned VerifiedAt.
func (s *Service) currentTier(ctx context.Context, rec session.Record) account.UpsertInput {
	in := account.UpsertInput{Email: rec.Email, Tier: rec.Tier, Source: rec.Source, VerifiedAt: rec.CreatedAt}
	if s.sessions == nil {
		return in
	}
	cur, err := s.sessions.Get(ctx, rec.Email)
	switch {
	case err == nil:
		if cur.VerifiedAt.After(rec.CreatedAt) {
			in.Tier, in.Source, in.VerifiedAt = cur.Tier, cur.Source, cur.VerifiedAt
		}
	case !errors.Is(err, autherr.ErrNotFound):
		s.logger.Warn("cached session unavailable for bridge, using token tier",
			slog.String("email", logging.MaskEmail(rec.Email)), slog.Any("error", err))
	}
	return in
}

// Exchange validates the session token against its server-side record and
// only then upserts the account and mints credentials. Repeated exchanges
// for one email return the same backend user id.
func (s *Service) Exchange(ctx context.Context, req Request) (Response, error) {
	email, err := validate.Email(req.Email)
	if err != nil {
		return Response{}, err
	}
	rec, err := s.tokens.Lookup(ctx, req.SessionToken)
	if err != nil {
		return Response{}, err
	}
	if rec.Email != email {
		s.logger.Warn("bridge email mismatch", slog.String("email", logging.MaskEmail(email)))
		return Response{}, fmt.Errorf("session token belongs to another email: %w", autherr.ErrInvalidToken)
	}

	acct, created, err := s.accounts.Upsert(ctx, s.currentTier(ctx, rec), s.now())
	if err != nil {
		return Response{}, fmt.Errorf("upsert account: %w", err)
	}
	if rec.BackendUserID != "" && rec.BackendUserID != acct.ID {
		s.logger.Warn("session token rebound to new backend user",
			slog.String("email", logging.MaskEmail(email)),
			slog.String("previous_user_id", rec.BackendUserID),
			slog.String("user_id", acct.ID))
	}
	if err := s.tokens.Bind(ctx, rec, acct.ID); err != nil {
		return Response{}, fmt.Errorf("bind session token: %w", err)
	}
	if err := s.accounts.Touch(ctx, acct.ID, s.now()); err != nil {
		return Response{}, fmt.Errorf("touch account: %w", err)
	}

	pair, err := s.issuer.Mint(acct)
	if err != nil {
		return Response{}, err
	}
	s.logger.Info("session bridged",
		slog.String("email", logging.MaskEmail(email)),
		slog.String("tier", string(acct.Tier)),
		slog.Bool("created", created))

	return Response{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         User{ID: acct.ID, Email: acct.Email, SubscriptionTier: acct.CurrentUser().Tier},
	}, nil
}
