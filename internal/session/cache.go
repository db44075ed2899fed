package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// Resolver produces a fresh tier resolution for an email.
type Resolver interface {
	Resolve(ctx context.Context, email string) (tier.Resolution, error)
}

// CacheOptions tunes a Cache. Zero values take the defaults.
type CacheOptions struct {
	TTL          time.Duration
	RefreshAfter time.Duration
	Version      string
	Now          func() time.Time
	Logger       *slog.Logger
}

const (
	DefaultTTL          = 7 * 24 * time.Hour
	DefaultRefreshAfter = time.Hour
	DefaultVersion      = "v1"
)

// Cache serves sessions from a Store and re-verifies them through a
// Resolver once they are older than the refresh threshold.
type Cache struct {
	store        Store
	resolver     Resolver
	ttl          time.Duration
	refreshAfter time.Duration
	version      string
	now          func() time.Time
	logger       *slog.Logger
	group        singleflight.Group
}

func NewCache(store Store, resolver Resolver, opts CacheOptions) *Cache {
	c := &Cache{
		store:        store,
		resolver:     resolver,
		ttl:          opts.TTL,
		refreshAfter: opts.RefreshAfter,
		version:      opts.Version,
		now:          opts.Now,
		logger:       opts.Logger,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.refreshAfter <= 0 {
		c.refreshAfter = DefaultRefreshAfter
	}
	if c.version == "" {
		c.version = DefaultVersion
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// Version is the schema version written into new entries.
func (c *Cache) Version() string { return c.version }

// Stale reports whether s is past the refresh threshold.
func (c *Cache) Stale(s Session) bool { return s.NeedsRefresh(c.now(), c.refreshAfter) }

// Get returns the cached session for email. Entries from another schema
// version or past expiry are evicted and reported as autherr.ErrNotFound.
// An entry past the refresh threshold is re-verified before it is returned.
func (c *Cache) Get(ctx context.Context, email string) (Session, error) {
	email, err := validate.Email(email)
	if err != nil {
		return Session{}, err
	}
	cached, ok, err := c.load(ctx, email)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, autherr.ErrNotFound
	}
	if !cached.NeedsRefresh(c.now(), c.refreshAfter) {
		return cached, nil
	}

	fresh, err := c.refresh(ctx, email, &cached)
	if err != nil {
		if errors.Is(err, autherr.ErrUnauthenticated) {
			c.logger.Warn("session refresh unavailable, serving cached tier",
				slog.String("email", logging.MaskEmail(email)),
				slog.String("tier", string(cached.Tier)))
			return cached, nil
		}
		return Session{}, err
	}
	return fresh, nil
}

// Resolve forces a fresh resolution and replaces the stored entry. When no
// provider is reachable a still-valid cached session stands in; otherwise
// autherr.ErrUnauthenticated is returned.
func (c *Cache) Resolve(ctx context.Context, email string) (Session, error) {
	email, err := validate.Email(email)
	if err != nil {
		return Session{}, err
	}
	cached, ok, err := c.load(ctx, email)
	if err != nil {
		return Session{}, err
	}
	var prev *Session
	if ok {
		prev = &cached
	}
	fresh, err := c.refresh(ctx, email, prev)
	if err != nil {
		if ok && errors.Is(err, autherr.ErrUnauthenticated) {
			return cached, nil
		}
		return Session{}, err
	}
	return fresh, nil
}

// Put stores a session built elsewhere, such as one carrying a session token.
func (c *Cache) Put(ctx context.Context, s Session) error {
	s.Version = c.version
	if err := s.check(); err != nil {
		return err
	}
	return c.store.Put(ctx, s)
}

// Evict removes the entry for email.
func (c *Cache) Evict(ctx context.Context, email string) error {
	email, err := validate.Email(email)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, email)
}

func (c *Cache) load(ctx context.Context, email string) (Session, bool, error) {
	cached, err := c.store.Get(ctx, email)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	if cached.Version != c.version || !cached.IsValid(c.now()) {
		if err := c.store.Delete(ctx, email); err != nil {
			return Session{}, false, err
		}
		return Session{}, false, nil
	}
	return cached, true, nil
}

// refresh resolves email once for all concurrent callers. A refreshed entry
// keeps the session token and expiry of the entry it replaces. The shared
// resolution ignores the cancellation of the caller that started it.
func (c *Cache) refresh(ctx context.Context, email string, prev *Session) (Session, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(email, func() (any, error) {
		res, err := c.resolver.Resolve(ctx, email)
		if err != nil {
			return Session{}, err
		}
		fresh, err := New(res, c.ttl, c.version)
		if err != nil {
			return Session{}, err
		}
		if prev != nil {
			fresh.SessionToken = prev.SessionToken
			if prev.ExpiresAt.After(fresh.VerifiedAt) {
				fresh.ExpiresAt = prev.ExpiresAt
			}
		}
		if err := c.store.Put(ctx, fresh); err != nil {
			return Session{}, err
		}
		return fresh, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("refresh session: %w", err)
	}
	return v.(Session), nil
}
