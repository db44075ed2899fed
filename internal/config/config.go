package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME" envDefault:"SubscriberAuth"`
	AppEnv         string        `env:"APP_ENV" envDefault:"development"`
	Port           string        `env:"PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	JWTSecret       string        `env:"JWT_SECRET"`
	RefreshSecret   string        `env:"REFRESH_SECRET"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`

	SessionTTL          time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	SessionRefreshAfter time.Duration `env:"SESSION_REFRESH_AFTER" envDefault:"1h"`
	SessionCacheVersion string        `env:"SESSION_CACHE_VERSION" envDefault:"v1"`
	DedupWindow         time.Duration `env:"DEDUP_WINDOW" envDefault:"5s"`

	VerifierTimeout time.Duration `env:"VERIFIER_TIMEOUT" envDefault:"4s"`
	VerifierRPS     float64       `env:"VERIFIER_RPS" envDefault:"10"`

	MagicLinkTTL        time.Duration `env:"MAGIC_LINK_TTL" envDefault:"30m"`
	MagicLinkBaseURL    string        `env:"MAGIC_LINK_BASE_URL" envDefault:"http://localhost:3000/auth/callback"`
	MagicLinkRatePerMin int           `env:"MAGIC_LINK_RATE_PER_MIN" envDefault:"5"`
	MailWebhookURL      string        `env:"MAIL_WEBHOOK_URL"`
	MailWebhookKey      string        `env:"MAIL_WEBHOOK_KEY"`

	BeehiivAPIURL        string   `env:"BEEHIIV_API_URL" envDefault:"https://api.beehiiv.com/v2"`
	BeehiivAPIKey        string   `env:"BEEHIIV_API_KEY"`
	BeehiivPublicationID string   `env:"BEEHIIV_PUBLICATION_ID"`
	WhopAPIURL           string   `env:"WHOP_API_URL" envDefault:"https://api.whop.com/api/v2"`
	WhopAPIKey           string   `env:"WHOP_API_KEY"`
	WhopProductIDs       []string `env:"WHOP_PRODUCT_IDS" envSeparator:","`

	AdminFreshness   time.Duration `env:"ADMIN_2FA_FRESHNESS" envDefault:"15m"`
	AdminDefaultTTL  time.Duration `env:"ADMIN_2FA_DEFAULT_TTL" envDefault:"60m"`
	AdminMaxTTL      time.Duration `env:"ADMIN_2FA_MAX_TTL" envDefault:"8h"`
	AdminMaxAttempts int           `env:"ADMIN_2FA_MAX_ATTEMPTS" envDefault:"3"`
	TOTPIssuer       string        `env:"TOTP_ISSUER" envDefault:"SubscriberAuth"`
	BackupCodeCount  int           `env:"ADMIN_BACKUP_CODE_COUNT" envDefault:"10"`
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionRefreshAfter >= c.SessionTTL {
		return fmt.Errorf("SESSION_REFRESH_AFTER (%s) must be shorter than SESSION_TTL (%s)", c.SessionRefreshAfter, c.SessionTTL)
	}
	if c.AdminMaxAttempts <= 0 {
		return fmt.Errorf("ADMIN_2FA_MAX_ATTEMPTS must be positive")
	}
	if c.SessionCacheVersion == "" {
		return fmt.Errorf("SESSION_CACHE_VERSION must be set")
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.JWTSecret == "" || c.RefreshSecret == "" {
		return fmt.Errorf("JWT_SECRET and REFRESH_SECRET must be set")
	}
	return nil
}

// IsDev reports whether the service runs with development fallbacks
// (memory stores, static verifiers, generated secrets).
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
