// Package client is the dashboard-side view of authentication: who is
// signed in, at which tier, and how to reach backend credentials.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/bridge"
	"github.com/subscriber-dash/authcore/internal/dedup"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/magiclink"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// LoginPath is where Logout redirects.
const LoginPath = "/login"

const (
	operationSendLink  = "magic-link"
	revokeTimeout      = 10 * time.Second
	defaultDedupWindow = 5 * time.Second
)

// CurrentUser is the signed-in subscriber. Tier reflects a local override
// when one is set; Overridden says so.
type CurrentUser struct {
	Email      string      `json:"email"`
	Tier       tier.Tier   `json:"tier"`
	Source     tier.Source `json:"source"`
	VerifiedAt time.Time   `json:"verified_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Overridden bool        `json:"overridden"`
}

// Options configures an AuthContext. Backend is required.
type Options struct {
	Backend Backend
	// Cache defaults to an in-memory cache refreshed through Backend.
	Cache       *session.Cache
	Now         func() time.Time
	OnRedirect  func(path string)
	Logger      *slog.Logger
	DedupWindow time.Duration
}

// AuthContext holds the signed-in state for one dashboard user.
type AuthContext struct {
	backend    Backend
	cache      *session.Cache
	now        func() time.Time
	onRedirect func(string)
	logger     *slog.Logger
	sends      *dedup.Group[magiclink.Result]

	mu          sync.RWMutex
	current     *session.Session
	override    tier.Tier
	credentials *bridge.Response
	loading     int

	background sync.WaitGroup
}

func New(opts Options) *AuthContext {
	a := &AuthContext{
		backend:    opts.Backend,
		cache:      opts.Cache,
		now:        opts.Now,
		onRedirect: opts.OnRedirect,
		logger:     opts.Logger,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	if a.onRedirect == nil {
		a.onRedirect = func(string) {}
	}
	if a.cache == nil {
		a.cache = session.NewCache(session.NewMemoryStore(), NewRemoteResolver(a.backend, a.now), session.CacheOptions{
			Now:    a.now,
			Logger: a.logger,
		})
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	a.sends = dedup.NewGroup[magiclink.Result](dedup.NewMemoryStore().WithClock(a.now), window, a.logger)
	return a
}

// CurrentUser returns the signed-in user. A session past the refresh
// threshold is re-verified through the cache first; concurrent callers share
// one refresh and an unreachable backend leaves the cached tier in place.
// ok is false when nobody is signed in or the session expired.
func (a *AuthContext) CurrentUser(ctx context.Context) (CurrentUser, bool) {
	a.mu.RLock()
	cur := a.current
	a.mu.RUnlock()
	if cur == nil || !cur.IsValid(a.now()) || !a.cache.Stale(*cur) {
		return a.snapshot()
	}

	done := a.begin()
	s, err := a.cache.Get(ctx, cur.Email)
	done()
	if err != nil {
		a.logger.Warn("session refresh failed, serving current tier",
			slog.String("email", logging.MaskEmail(cur.Email)), slog.Any("error", err))
		return a.snapshot()
	}
	if s.SessionToken == "" {
		s.SessionToken = cur.SessionToken
	}
	a.mu.Lock()
	if a.current == cur {
		a.current = &s
	}
	a.mu.Unlock()
	return a.snapshot()
}

// snapshot projects the current session and override without refreshing.
func (a *AuthContext) snapshot() (CurrentUser, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil || !a.current.IsValid(a.now()) {
		return CurrentUser{}, false
	}
	u := CurrentUser{
		Email:      a.current.Email,
		Tier:       a.current.Tier,
		Source:     a.current.Source,
		VerifiedAt: a.current.VerifiedAt,
		ExpiresAt:  a.current.ExpiresAt,
	}
	if a.override != "" {
		u.Tier = a.override
		u.Overridden = true
	}
	return u, true
}

// IsAuthenticated reports whether an unexpired session is held. It does not
// refresh: validity depends only on expiry.
func (a *AuthContext) IsAuthenticated() bool {
	_, ok := a.snapshot()
	return ok
}

// IsLoading reports whether a sign-in or refresh is in flight.
func (a *AuthContext) IsLoading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loading > 0
}

func (a *AuthContext) begin() func() {
	a.mu.Lock()
	a.loading++
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.loading--
		a.mu.Unlock()
	}
}

func (a *AuthContext) set(s session.Session) CurrentUser {
	a.mu.Lock()
	prev := a.current
	a.current = &s
	if prev == nil || prev.Email != s.Email {
		a.override = ""
		a.credentials = nil
	}
	a.mu.Unlock()
	u, _ := a.snapshot()
	return u
}

// Restore picks up a cached session for email, re-verifying it first when
// it is past the refresh threshold. ok is false when nothing usable is
// cached.
func (a *AuthContext) Restore(ctx context.Context, email string) (CurrentUser, bool, error) {
	defer a.begin()()
	s, err := a.cache.Get(ctx, email)
	if errors.Is(err, autherr.ErrNotFound) {
		return CurrentUser{}, false, nil
	}
	if err != nil {
		return CurrentUser{}, false, err
	}
	return a.set(s), true, nil
}

// Login verifies email against the identity providers and signs the user
// in at the resolved tier. The resulting session carries no session token,
// so it cannot be bridged; that needs a completed magic link.
func (a *AuthContext) Login(ctx context.Context, email string) (CurrentUser, error) {
	defer a.begin()()
	s, err := a.cache.Resolve(ctx, email)
	if err != nil {
		return CurrentUser{}, err
	}
	return a.set(s), nil
}

// SendMagicLink asks the backend to mail a sign-in link. Repeats within the
// dedup window return the first result without another request.
func (a *AuthContext) SendMagicLink(ctx context.Context, email string) (magiclink.Result, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return magiclink.Result{}, err
	}
	res, _, err := a.sends.Do(ctx, operationSendLink, normalized, func(ctx context.Context) (magiclink.Result, error) {
		return a.backend.SendMagicLink(ctx, normalized)
	})
	return res, err
}

// CompleteMagicLink redeems a link token and signs the user in with the
// returned session.
func (a *AuthContext) CompleteMagicLink(ctx context.Context, token string) (CurrentUser, error) {
	defer a.begin()()
	s, err := a.backend.ConsumeMagicLink(ctx, token)
	if err != nil {
		return CurrentUser{}, err
	}
	if err := a.cache.Put(ctx, s); err != nil {
		return CurrentUser{}, fmt.Errorf("cache session: %w", err)
	}
	s.Version = a.cache.Version()
	return a.set(s), nil
}

// RefreshCurrentUser re-verifies the signed-in user's tier. A backend that
// cannot be reached leaves the current session in place.
func (a *AuthContext) RefreshCurrentUser(ctx context.Context) (CurrentUser, error) {
	a.mu.RLock()
	cur := a.current
	a.mu.RUnlock()
	if cur == nil {
		return CurrentUser{}, autherr.ErrUnauthenticated
	}
	defer a.begin()()
	s, err := a.cache.Resolve(ctx, cur.Email)
	if err != nil {
		return CurrentUser{}, err
	}
	if s.SessionToken == "" {
		s.SessionToken = cur.SessionToken
	}
	return a.set(s), nil
}

// SetTierOverride changes the tier reported by CurrentUser for local
// previews. It never reaches the backend.
func (a *AuthContext) SetTierOverride(t tier.Tier) error {
	if !t.Valid() {
		return autherr.NewValidationError("tier", "must be one of free, paid, premium")
	}
	a.mu.Lock()
	a.override = t
	a.mu.Unlock()
	return nil
}

func (a *AuthContext) ClearTierOverride() {
	a.mu.Lock()
	a.override = ""
	a.mu.Unlock()
}

// Bridge exchanges the session token for backend credentials. Only the
// token and email are sent; any tier override stays local.
func (a *AuthContext) Bridge(ctx context.Context) (bridge.Response, error) {
	a.mu.RLock()
	cur := a.current
	a.mu.RUnlock()
	if cur == nil || !cur.IsValid(a.now()) {
		return bridge.Response{}, autherr.ErrUnauthenticated
	}
	if cur.SessionToken == "" {
		return bridge.Response{}, fmt.Errorf("session has no token: %w", autherr.ErrInvalidToken)
	}
	resp, err := a.backend.Bridge(ctx, bridge.Request{SessionToken: cur.SessionToken, Email: cur.Email})
	if err != nil {
		return bridge.Response{}, err
	}
	a.mu.Lock()
	a.credentials = &resp
	a.mu.Unlock()
	return resp, nil
}

// Logout clears local state and redirects before the backend hears about
// it. Revocation runs in the background; its failure is only logged.
func (a *AuthContext) Logout(ctx context.Context) {
	a.mu.Lock()
	cur := a.current
	creds := a.credentials
	a.current = nil
	a.credentials = nil
	a.override = ""
	a.mu.Unlock()

	if cur != nil {
		if err := a.cache.Evict(ctx, cur.Email); err != nil {
			a.logger.Warn("session not evicted on logout", slog.String("email", logging.MaskEmail(cur.Email)), slog.Any("error", err))
		}
	}
	a.onRedirect(LoginPath)

	if cur == nil || (cur.SessionToken == "" && creds == nil) {
		return
	}
	accessToken := ""
	if creds != nil {
		accessToken = creds.AccessToken
	}
	email, sessionToken := cur.Email, cur.SessionToken
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
		defer cancel()
		if err := a.backend.Revoke(rctx, sessionToken, accessToken); err != nil {
			a.logger.Warn("backend logout failed", slog.String("email", logging.MaskEmail(email)), slog.Any("error", err))
		}
	}()
}

// Wait blocks until background revocations started by Logout finish.
func (a *AuthContext) Wait() {
	a.background.Wait()
}
