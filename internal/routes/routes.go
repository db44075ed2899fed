package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/bridge"
	"github.com/subscriber-dash/authcore/internal/config"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/magiclink"
	"github.com/subscriber-dash/authcore/internal/middleware"
	"github.com/subscriber-dash/authcore/internal/notification"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/token"
	"github.com/subscriber-dash/authcore/internal/twofactor"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry

	// Verifiers replaces the Beehiiv and Whop verifiers. The backend
	// credential verifier is always added.
	Verifiers []tier.Verifier
	// Notifier replaces the configured mail delivery.
	Notifier notification.Notifier
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger, "/healthz", "/metrics"))

	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app, d.Registry)

	h := build(d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals(middleware.RequestIDHeader).(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterSubscriberRoutes(api, h, middleware.MagicLinkRateLimit(d.Cache, d.Cfg.MagicLinkRatePerMin))
	RegisterAuthRoutes(api, h)
	RegisterAdminRoutes(api, h, d.Logger)
	return nil
}

// handlers groups the HTTP handlers built from Deps.
type handlers struct {
	account   *account.Handler
	token     *token.Handler
	issuer    *token.Issuer
	magicLink *magiclink.Handler
	tier      *session.Handler
	bridge    *bridge.Handler
	twoFactor *twofactor.Handler
	admin     *twofactor.Service
}
