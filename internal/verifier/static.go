package verifier

import (
	"context"
	"strings"
	"sync"

	"github.com/subscriber-dash/authcore/internal/tier"
)

// Static answers from a fixed table and is used in development mode and
// tests in place of the real providers.
type Static struct {
	source tier.Source

	mu      sync.RWMutex
	signals map[string]tier.Signal
	down    bool
}

// NewStatic builds an empty static verifier for src. Unknown emails are
// reported as available with no record.
func NewStatic(src tier.Source) *Static {
	return &Static{source: src, signals: make(map[string]tier.Signal)}
}

func (s *Static) Source() tier.Source { return s.source }

// Set registers the signal returned for email.
func (s *Static) Set(email string, sig tier.Signal) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig.Source = s.source
	s.signals[strings.ToLower(email)] = sig
	return s
}

// SetDown makes every lookup report the source as unavailable.
func (s *Static) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *Static) Verify(ctx context.Context, email string) tier.Signal {
	if err := ctx.Err(); err != nil {
		return tier.Unavailable(s.source, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return tier.Unavailable(s.source, nil)
	}
	if sig, ok := s.signals[strings.ToLower(email)]; ok {
		return sig
	}
	switch s.source {
	case tier.SourceWhop:
		return tier.PurchaseSignal(false, "")
	case tier.SourceCredential:
		return tier.CredentialSignal(false, "")
	default:
		return tier.ListSignal(false, "")
	}
}
