// Package verifier holds the identity sources consulted by the tier resolver.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/subscriber-dash/authcore/internal/autherr"
)

const defaultRequestTimeout = 4 * time.Second

// upstream is a throttled JSON-over-HTTP client for one provider.
type upstream struct {
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

func newUpstream(baseURL, apiKey string, rps float64) upstream {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return upstream{baseURL: baseURL, apiKey: apiKey, limiter: rate.NewLimiter(limit, burst)}
}

type response struct {
	code int
	body []byte
	err  error
}

// get issues a bearer-authenticated GET and returns the status and body. It
// returns early when ctx is cancelled even if the request is still running.
func (u upstream) get(ctx context.Context, url string) (int, []byte, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: throttled: %v", autherr.ErrVerificationUnavailable, err)
	}

	timeout := defaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	ch := make(chan response, 1)
	go func() {
		agent := fiber.Get(url).
			Set(fiber.HeaderAuthorization, "Bearer "+u.apiKey).
			Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON).
			Timeout(timeout)
		code, body, errs := agent.Bytes()
		ch <- response{code: code, body: body, err: errors.Join(errs...)}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("%w: %v", autherr.ErrVerificationUnavailable, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return 0, nil, fmt.Errorf("%w: %v", autherr.ErrVerificationUnavailable, r.err)
		}
		return r.code, r.body, nil
	}
}

// unexpectedStatus reports rate limiting and server errors as unavailability.
func unexpectedStatus(code int) error {
	return fmt.Errorf("%w: upstream status %d", autherr.ErrVerificationUnavailable, code)
}
