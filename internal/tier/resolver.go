package tier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/validate"
)

const defaultVerifierTimeout = 4 * time.Second

// Resolution is the canonical tier decision for one email.
type Resolution struct {
	Email      string
	Tier       Tier
	Source     Source
	ResolvedAt time.Time
	// Known is set when at least one source holds a record for the email.
	Known   bool
	Signals []Signal
}

// Resolver fans out to every verifier and applies the fixed precedence rule.
type Resolver struct {
	verifiers []Verifier
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each individual verifier call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the resolution timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver builds a resolver over the given verifiers.
func NewResolver(logger *slog.Logger, verifiers []Verifier, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Resolver{
		verifiers: verifiers,
		timeout:   defaultVerifierTimeout,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve queries every verifier concurrently and combines their signals.
// It returns autherr.ErrUnauthenticated when no verifier was available; any
// other outcome is a Resolution, degraded to whatever signals arrived.
func (r *Resolver) Resolve(ctx context.Context, email string) (Resolution, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return Resolution{}, err
	}

	signals := make([]Signal, len(r.verifiers))
	var g errgroup.Group
	for i, v := range r.verifiers {
		g.Go(func() error {
			signals[i] = r.verifyOne(ctx, v, normalized)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range signals {
		r.metrics.observeSignal(s)
		if !s.Available {
			r.logger.Warn("identity verifier unavailable",
				slog.String("source", string(s.Source)),
				slog.String("email", logging.MaskEmail(normalized)),
				slog.String("detail", s.Detail))
		}
	}

	t, src, known, ok := Decide(signals)
	if !ok {
		r.metrics.observeUnauthenticated()
		return Resolution{}, fmt.Errorf("resolve %s: %w", logging.MaskEmail(normalized), autherr.ErrUnauthenticated)
	}
	r.metrics.observeResolution(t, src)

	return Resolution{
		Email:      normalized,
		Tier:       t,
		Source:     src,
		ResolvedAt: r.now().UTC(),
		Known:      known,
		Signals:    signals,
	}, nil
}

// verifyOne runs a single verifier under its own deadline. A verifier that
// ignores cancellation or panics still yields an unavailable signal on time.
func (r *Resolver) verifyOne(ctx context.Context, v Verifier, email string) Signal {
	src := v.Source()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan Signal, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- Unavailable(src, fmt.Errorf("verifier panic: %v", p))
			}
		}()
		ch <- v.Verify(ctx, email)
	}()

	select {
	case s := <-ch:
		s.Source = src
		if err := s.Validate(); err != nil {
			return Unavailable(src, fmt.Errorf("%w: %v", autherr.ErrVerificationUnavailable, err))
		}
		return s
	case <-ctx.Done():
		return Unavailable(src, fmt.Errorf("%w: %v", autherr.ErrVerificationUnavailable, ctx.Err()))
	}
}

// Decide applies the precedence rule. A confirmed purchase always yields
// premium; otherwise a paid or premium list tier is used; otherwise free.
// ok is false when every signal is unavailable.
func Decide(signals []Signal) (t Tier, src Source, known bool, ok bool) {
	var list, credential *Signal
	purchase := false
	for i := range signals {
		s := &signals[i]
		if !s.Available {
			continue
		}
		ok = true
		if s.Found {
			known = true
		}
		switch s.Source {
		case SourceWhop:
			purchase = purchase || s.Purchase
		case SourceBeehiiv:
			list = s
		case SourceCredential:
			credential = s
		}
	}
	if !ok {
		return "", SourceNone, false, false
	}
	if purchase {
		return Premium, SourceWhop, known, true
	}
	if list != nil && list.Found && (list.Tier == Paid || list.Tier == Premium) {
		return list.Tier, SourceBeehiiv, known, true
	}
	switch {
	case credential != nil && credential.Found:
		return Free, SourceCredential, known, true
	case list != nil && list.Found:
		return Free, SourceBeehiiv, known, true
	default:
		return Free, SourceNone, known, true
	}
}
