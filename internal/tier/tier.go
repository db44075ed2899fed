// Package tier resolves a subscriber's tier from the three identity sources.
package tier

import "strings"

// Tier is the subscription level gating feature access.
type Tier string

const (
	Free    Tier = "free"
	Paid    Tier = "paid"
	Premium Tier = "premium"
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case Free, Paid, Premium:
		return true
	default:
		return false
	}
}

// Rank orders tiers so callers can compare gating levels.
func (t Tier) Rank() int {
	switch t {
	case Premium:
		return 2
	case Paid:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether t grants access to content gated at min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// ParseTier maps provider strings onto a Tier. Unknown and empty values
// become Free so the result is never outside the three tiers.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "premium", "pro", "vip":
		return Premium
	case "paid", "basic", "standard":
		return Paid
	default:
		return Free
	}
}

// Source identifies which identity provider determined a tier.
type Source string

const (
	SourceBeehiiv    Source = "beehiiv"
	SourceWhop       Source = "whop"
	SourceCredential Source = "backend_credential"
	SourceNone       Source = "none"
)

// ParseSource maps a stored source string back onto a Source.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceBeehiiv, SourceWhop, SourceCredential:
		return Source(s)
	default:
		return SourceNone
	}
}
