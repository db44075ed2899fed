package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
)

// RemoteResolver resolves tiers through the backend's tier-verify endpoint
// so a client-side session.Cache can refresh entries.
type RemoteResolver struct {
	backend Backend
	now     func() time.Time
}

func NewRemoteResolver(backend Backend, now func() time.Time) *RemoteResolver {
	if now == nil {
		now = time.Now
	}
	return &RemoteResolver{backend: backend, now: now}
}

// Resolve reports an unreachable backend as autherr.ErrUnauthenticated so
// the cache keeps serving a still-valid entry. A backend whose providers are
// all down answers with autherr.ErrUnauthenticated itself.
func (r *RemoteResolver) Resolve(ctx context.Context, email string) (tier.Resolution, error) {
	v, err := r.backend.VerifyTier(ctx, email)
	if err != nil {
		if errors.Is(err, autherr.ErrVerificationUnavailable) {
			return tier.Resolution{}, fmt.Errorf("tier-verify: %v: %w", err, autherr.ErrUnauthenticated)
		}
		return tier.Resolution{}, err
	}
	t := v.Tier
	if !t.Valid() {
		t = tier.Free
	}
	src := v.Source
	if !v.Verified {
		src = tier.SourceNone
	}
	return tier.Resolution{Email: email, Tier: t, Source: src, ResolvedAt: r.now().UTC(), Known: v.Verified}, nil
}
