package routes

import (
	"log/slog"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/bridge"
	"github.com/subscriber-dash/authcore/internal/dedup"
	"github.com/subscriber-dash/authcore/internal/magiclink"
	"github.com/subscriber-dash/authcore/internal/notification"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/token"
	"github.com/subscriber-dash/authcore/internal/twofactor"
	"github.com/subscriber-dash/authcore/internal/verifier"
)

// build constructs services over postgres and redis when present and over
// in-memory stores otherwise.
func build(d Deps) *handlers {
	cfg := d.Cfg

	var (
		accountRepo account.Repository
		tokenRepo   session.TokenRepository
		linkRepo    magiclink.Repository
		adminRepo   twofactor.Repository
	)
	if d.DB != nil {
		accountRepo = account.NewPostgresRepository(d.DB)
		tokenRepo = session.NewPostgresTokenRepository(d.DB)
		linkRepo = magiclink.NewPostgresRepository(d.DB)
		adminRepo = twofactor.NewPostgresRepository(d.DB)
	} else {
		accountRepo = account.NewMemoryRepository()
		tokenRepo = session.NewMemoryTokenRepository()
		linkRepo = magiclink.NewMemoryRepository()
		adminRepo = twofactor.NewMemoryRepository()
	}

	var (
		sessionStore session.Store
		dedupStore   dedup.ResultStore
	)
	if d.Cache != nil {
		sessionStore = session.NewRedisStore(d.Cache, "")
		dedupStore = dedup.NewRedisStore(d.Cache)
	} else {
		sessionStore = session.NewMemoryStore()
		dedupStore = dedup.NewMemoryStore()
	}

	verifiers := append(providerVerifiers(d), verifier.NewCredential(accountRepo))
	resolver := tier.NewResolver(d.Logger, verifiers,
		tier.WithTimeout(cfg.VerifierTimeout),
		tier.WithMetrics(tier.NewMetrics(d.Registry)))

	cache := session.NewCache(sessionStore, resolver, session.CacheOptions{
		TTL:          cfg.SessionTTL,
		RefreshAfter: cfg.SessionRefreshAfter,
		Version:      cfg.SessionCacheVersion,
		Logger:       d.Logger,
	})
	tokens := session.NewTokens(tokenRepo, cfg.SessionTTL, cfg.SessionCacheVersion)

	accounts := account.NewService(accountRepo)
	issuer := token.NewIssuer(cfg, accountRepo)
	notifier := mailer(d)

	links := magiclink.NewIssuer(magiclink.Options{
		Accounts: accounts,
		Links:    linkRepo,
		Notifier: notifier,
		Dedup:    dedup.NewGroup[magiclink.Result](dedupStore, cfg.DedupWindow, d.Logger),
		Resolver: resolver,
		Tokens:   tokens,
		BaseURL:  cfg.MagicLinkBaseURL,
		TTL:      cfg.MagicLinkTTL,
		Logger:   d.Logger,
	})

	admin := twofactor.NewService(adminRepo, twofactor.Config{
		Freshness:   cfg.AdminFreshness,
		DefaultTTL:  cfg.AdminDefaultTTL,
		MaxTTL:      cfg.AdminMaxTTL,
		MaxAttempts: cfg.AdminMaxAttempts,
		Issuer:      cfg.TOTPIssuer,
		BackupCodes: cfg.BackupCodeCount,
	},
		twofactor.WithMetrics(twofactor.NewMetrics(d.Registry)),
		twofactor.WithNotifier(notifier),
		twofactor.WithLogger(d.Logger))

	return &handlers{
		account:   account.NewHandler(accounts),
		token:     token.NewHandler(issuer, tokens),
		issuer:    issuer,
		magicLink: magiclink.NewHandler(links),
		tier:      session.NewHandler(cache, dedup.NewGroup[session.Verification](dedupStore, cfg.DedupWindow, d.Logger)),
		bridge:    bridge.NewHandler(bridge.NewService(tokens, accountRepo, issuer, d.Logger).WithSessions(cache)),
		twoFactor: twofactor.NewHandler(admin),
		admin:     admin,
	}
}

// providerVerifiers returns the Beehiiv and Whop verifiers. A provider
// without an API key is replaced by an empty static verifier.
func providerVerifiers(d Deps) []tier.Verifier {
	if d.Verifiers != nil {
		return append([]tier.Verifier(nil), d.Verifiers...)
	}
	cfg := d.Cfg
	out := make([]tier.Verifier, 0, 3)
	if cfg.BeehiivAPIKey != "" && cfg.BeehiivPublicationID != "" {
		out = append(out, verifier.NewBeehiiv(cfg.BeehiivAPIURL, cfg.BeehiivAPIKey, cfg.BeehiivPublicationID, cfg.VerifierRPS))
	} else {
		warnStatic(d.Logger, cfg.IsDev(), tier.SourceBeehiiv)
		out = append(out, verifier.NewStatic(tier.SourceBeehiiv))
	}
	if cfg.WhopAPIKey != "" {
		out = append(out, verifier.NewWhop(cfg.WhopAPIURL, cfg.WhopAPIKey, cfg.WhopProductIDs, cfg.VerifierRPS))
	} else {
		warnStatic(d.Logger, cfg.IsDev(), tier.SourceWhop)
		out = append(out, verifier.NewStatic(tier.SourceWhop))
	}
	return out
}

func warnStatic(logger *slog.Logger, dev bool, src tier.Source) {
	if dev {
		return
	}
	logger.Warn("provider not configured, answering from an empty static table", slog.String("source", string(src)))
}

func mailer(d Deps) notification.Notifier {
	switch {
	case d.Notifier != nil:
		return d.Notifier
	case d.Cfg.MailWebhookURL != "":
		return notification.NewWebhookNotifier(d.Cfg.MailWebhookURL, d.Cfg.MailWebhookKey)
	default:
		// Development prints the sign-in link so it can be followed locally.
		return notification.NewLoggerNotifier(d.Logger, d.Cfg.IsDev())
	}
}
