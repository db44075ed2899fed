package tier

import (
	"context"
	"fmt"
)

// Signal is what a single identity source reports about an email. It is a
// tagged union keyed by Source; Validate enforces the shape of each variant
// before the signal enters resolution.
type Signal struct {
	Source    Source
	Available bool
	// Found is set when the provider holds a record for the email.
	Found bool
	// Tier is the list or account tier. Unused for purchase signals.
	Tier Tier
	// Purchase is set only by the OAuth purchase provider.
	Purchase bool
	// Detail carries a short provider-specific note (error, product id).
	Detail string
}

// Verifier is implemented by each identity source. Verify must not return
// errors: failures are reported as an unavailable Signal.
type Verifier interface {
	Source() Source
	Verify(ctx context.Context, email string) Signal
}

// Unavailable builds the signal for an unreachable provider.
func Unavailable(src Source, err error) Signal {
	s := Signal{Source: src}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}

// ListSignal builds an email-list provider result.
func ListSignal(found bool, t Tier) Signal {
	if !found {
		t = ""
	}
	return Signal{Source: SourceBeehiiv, Available: true, Found: found, Tier: t}
}

// PurchaseSignal builds an OAuth purchase provider result.
func PurchaseSignal(purchase bool, detail string) Signal {
	return Signal{Source: SourceWhop, Available: true, Found: purchase, Purchase: purchase, Detail: detail}
}

// CredentialSignal builds a backend account lookup result.
func CredentialSignal(found bool, t Tier) Signal {
	if !found {
		t = ""
	}
	return Signal{Source: SourceCredential, Available: true, Found: found, Tier: t}
}

// Validate checks that the signal matches the variant for its source.
func (s Signal) Validate() error {
	if !s.Available {
		if s.Found || s.Purchase {
			return fmt.Errorf("%s: unavailable signal must not carry a result", s.Source)
		}
		return nil
	}
	switch s.Source {
	case SourceWhop:
		if s.Tier != "" {
			return fmt.Errorf("whop: purchase signal must not carry a list tier")
		}
		if s.Purchase != s.Found {
			return fmt.Errorf("whop: purchase and found must agree")
		}
	case SourceBeehiiv, SourceCredential:
		if s.Purchase {
			return fmt.Errorf("%s: only the purchase provider may report a purchase", s.Source)
		}
		if s.Found && !s.Tier.Valid() {
			return fmt.Errorf("%s: invalid tier %q", s.Source, s.Tier)
		}
		if !s.Found && s.Tier != "" {
			return fmt.Errorf("%s: tier without a record", s.Source)
		}
	default:
		return fmt.Errorf("unknown signal source %q", s.Source)
	}
	return nil
}
