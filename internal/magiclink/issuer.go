package magiclink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/dedup"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/notification"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// DefaultTTL is how long a sign-in link stays redeemable.
const DefaultTTL = 30 * time.Minute

const operationSend = "magic-link"

// Result reports the outcome of a send.
type Result struct {
	Success   bool `json:"success"`
	IsNewUser bool `json:"is_new_user"`
}

// Options configures an Issuer.
type Options struct {
	Accounts *account.Service
	Links    Repository
	Notifier notification.Notifier
	Dedup    *dedup.Group[Result]
	Resolver session.Resolver
	Tokens   *session.Tokens
	BaseURL  string
	TTL      time.Duration
	Logger   *slog.Logger
}

// Issuer sends sign-in links and redeems them into sessions.
type Issuer struct {
	accounts *account.Service
	links    Repository
	notifier notification.Notifier
	dedup    *dedup.Group[Result]
	resolver session.Resolver
	tokens   *session.Tokens
	baseURL  string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewIssuer(opts Options) *Issuer {
	i := &Issuer{
		accounts: opts.Accounts,
		links:    opts.Links,
		notifier: opts.Notifier,
		dedup:    opts.Dedup,
		resolver: opts.Resolver,
		tokens:   opts.Tokens,
		baseURL:  opts.BaseURL,
		ttl:      opts.TTL,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if i.ttl <= 0 {
		i.ttl = DefaultTTL
	}
	if i.logger == nil {
		i.logger = logging.Discard()
	}
	if i.dedup == nil {
		i.dedup = dedup.NewGroup[Result](nil, 0, i.logger)
	}
	return i
}

// WithClock returns a copy reading time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// Send provisions a free account when the email is unknown and mails a
// one-time link. Repeats for the same email within the dedup window
// return the first result without sending again.
func (i *Issuer) Send(ctx context.Context, email string) (Result, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Result{}, err
	}
	res, shared, err := i.dedup.Do(ctx, operationSend, normalized, func(ctx context.Context) (Result, error) {
		return i.send(ctx, normalized)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		i.logger.Debug("magic link send deduplicated", slog.String("email", logging.MaskEmail(normalized)))
	}
	return res, nil
}

func (i *Issuer) send(ctx context.Context, email string) (Result, error) {
	_, created, err := i.accounts.Provision(ctx, email)
	if err != nil {
		return Result{}, fmt.Errorf("provision account: %w", err)
	}

	raw, err := session.NewToken()
	if err != nil {
		return Result{}, err
	}
	now := i.now().UTC()
	link := Link{TokenHash: session.HashToken(raw), Email: email, CreatedAt: now, ExpiresAt: now.Add(i.ttl)}
	if err := i.links.Create(ctx, link); err != nil {
		return Result{}, err
	}

	msg := notification.Message{
		Kind:        notification.KindMagicLink,
		Destination: email,
		Subject:     "Your sign-in link",
		Body:        i.linkURL(raw),
	}
	if err := i.notifier.Send(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("deliver magic link: %w", err)
	}
	i.logger.Info("magic link sent", slog.String("email", logging.MaskEmail(email)), slog.Bool("is_new_user", created))
	return Result{Success: true, IsNewUser: created}, nil
}

func (i *Issuer) linkURL(raw string) string {
	u, err := url.Parse(i.baseURL)
	if err != nil || i.baseURL == "" {
		return "?token=" + url.QueryEscape(raw)
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String()
}

// Consume redeems a link once, resolves the tier and issues a session
// token. When no provider is reachable the stored account tier is used.
// A link whose redemption fails stays usable.
func (i *Issuer) Consume(ctx context.Context, raw string) (session.Session, error) {
	if raw == "" {
		return session.Session{}, fmt.Errorf("empty magic link token: %w", autherr.ErrInvalidToken)
	}
	var sess session.Session
	link, err := i.links.Consume(ctx, session.HashToken(raw), i.now().UTC(), func(ctx context.Context, link Link) error {
		res, err := i.resolver.Resolve(ctx, link.Email)
		if err != nil {
			if !errors.Is(err, autherr.ErrUnauthenticated) {
				return err
			}
			res, err = i.storedResolution(ctx, link.Email)
			if err != nil {
				return err
			}
		}
		sess, err = i.tokens.Issue(ctx, res)
		return err
	})
	if err != nil {
		return session.Session{}, err
	}
	i.logger.Info("magic link redeemed",
		slog.String("email", logging.MaskEmail(link.Email)),
		slog.String("tier", string(sess.Tier)),
		slog.String("source", string(sess.Source)))
	return sess, nil
}

func (i *Issuer) storedResolution(ctx context.Context, email string) (tier.Resolution, error) {
	acct, err := i.accounts.Repo().FindByEmail(ctx, email)
	if err != nil {
		return tier.Resolution{}, fmt.Errorf("fallback to stored tier: %w", err)
	}
	src := tier.SourceCredential
	if s, ok := acct.Metadata["tier_source"].(string); ok && tier.ParseSource(s) != tier.SourceNone {
		src = tier.ParseSource(s)
	}
	return tier.Resolution{
		Email:      email,
		Tier:       acct.CurrentUser().Tier,
		Source:     src,
		ResolvedAt: i.now().UTC(),
		Known:      true,
	}, nil
}
