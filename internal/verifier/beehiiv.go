package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/subscriber-dash/authcore/internal/tier"
)

// Beehiiv checks the email list provider for a subscription record.
type Beehiiv struct {
	upstream
	publicationID string
}

// NewBeehiiv builds the list verifier for one publication.
func NewBeehiiv(baseURL, apiKey, publicationID string, rps float64) *Beehiiv {
	return &Beehiiv{
		upstream:      newUpstream(strings.TrimRight(baseURL, "/"), apiKey, rps),
		publicationID: publicationID,
	}
}

func (b *Beehiiv) Source() tier.Source { return tier.SourceBeehiiv }

type beehiivSubscription struct {
	Data struct {
		Email            string `json:"email"`
		Status           string `json:"status"`
		SubscriptionTier string `json:"subscription_tier"`
	} `json:"data"`
}

// Verify looks the email up by address. Only active subscriptions carry
// their paid tier; any other status is a free record.
func (b *Beehiiv) Verify(ctx context.Context, email string) tier.Signal {
	endpoint := fmt.Sprintf("%s/publications/%s/subscriptions/by_email/%s",
		b.baseURL, url.PathEscape(b.publicationID), url.PathEscape(email))

	code, body, err := b.get(ctx, endpoint)
	if err != nil {
		return tier.Unavailable(tier.SourceBeehiiv, err)
	}
	switch {
	case code == http.StatusNotFound:
		return tier.ListSignal(false, "")
	case code != http.StatusOK:
		return tier.Unavailable(tier.SourceBeehiiv, unexpectedStatus(code))
	}

	var sub beehiivSubscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return tier.Unavailable(tier.SourceBeehiiv, fmt.Errorf("decode subscription: %w", err))
	}
	if !strings.EqualFold(sub.Data.Status, "active") {
		return tier.ListSignal(true, tier.Free)
	}
	return tier.ListSignal(true, tier.ParseTier(sub.Data.SubscriptionTier))
}
