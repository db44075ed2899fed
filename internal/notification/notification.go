package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/subscriber-dash/authcore/internal/logging"
)

const (
	// KindMagicLink carries a one-time sign-in link.
	KindMagicLink = "magic_link"
	// KindAdminLocked alerts an administrator that their account was locked.
	KindAdminLocked = "admin_locked"
)

// Message describes a notification payload. Body may contain secrets such
// as sign-in links.
type Message struct {
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. Bodies are only
// included when reveal is set, which is meant for local development.
type LoggerNotifier struct {
	logger *slog.Logger
	reveal bool
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger, reveal bool) *LoggerNotifier {
	return &LoggerNotifier{logger: logger, reveal: reveal}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := []any{
		slog.String("kind", message.Kind),
		slog.String("destination", logging.MaskEmail(message.Destination)),
	}
	if n.reveal {
		attrs = append(attrs, slog.String("body", message.Body))
	}
	n.logger.Info("notification", attrs...)
	return nil
}

// WebhookNotifier posts messages as JSON to a mail relay.
type WebhookNotifier struct {
	url     string
	apiKey  string
	timeout time.Duration
}

func NewWebhookNotifier(url, apiKey string) *WebhookNotifier {
	return &WebhookNotifier{url: url, apiKey: apiKey, timeout: 5 * time.Second}
}

func (n *WebhookNotifier) Send(ctx context.Context, message Message) error {
	type result struct {
		code int
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		agent := fiber.Post(n.url).
			Set(fiber.HeaderAuthorization, "Bearer "+n.apiKey).
			JSON(message).
			Timeout(n.timeout)
		code, _, errs := agent.Bytes()
		ch <- result{code: code, err: errors.Join(errs...)}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("deliver %s: %w", message.Kind, r.err)
		}
		if r.code < 200 || r.code >= 300 {
			return fmt.Errorf("deliver %s: relay status %d", message.Kind, r.code)
		}
		return nil
	}
}
