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

// Whop checks the purchase provider for a valid membership.
type Whop struct {
	upstream
	products map[string]struct{}
}

// NewWhop builds the purchase verifier. An empty product list accepts a
// membership for any product.
func NewWhop(baseURL, apiKey string, productIDs []string, rps float64) *Whop {
	products := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		if id = strings.TrimSpace(id); id != "" {
			products[id] = struct{}{}
		}
	}
	return &Whop{upstream: newUpstream(strings.TrimRight(baseURL, "/"), apiKey, rps), products: products}
}

func (w *Whop) Source() tier.Source { return tier.SourceWhop }

type whopMemberships struct {
	Data []struct {
		ID        string `json:"id"`
		ProductID string `json:"product_id"`
		Status    string `json:"status"`
		Valid     bool   `json:"valid"`
	} `json:"data"`
}

func (w *Whop) Verify(ctx context.Context, email string) tier.Signal {
	endpoint := fmt.Sprintf("%s/memberships?email=%s&valid=true", w.baseURL, url.QueryEscape(email))

	code, body, err := w.get(ctx, endpoint)
	if err != nil {
		return tier.Unavailable(tier.SourceWhop, err)
	}
	switch {
	case code == http.StatusNotFound:
		return tier.PurchaseSignal(false, "")
	case code != http.StatusOK:
		return tier.Unavailable(tier.SourceWhop, unexpectedStatus(code))
	}

	var memberships whopMemberships
	if err := json.Unmarshal(body, &memberships); err != nil {
		return tier.Unavailable(tier.SourceWhop, fmt.Errorf("decode memberships: %w", err))
	}
	for _, m := range memberships.Data {
		if !m.Valid {
			continue
		}
		if len(w.products) > 0 {
			if _, ok := w.products[m.ProductID]; !ok {
				continue
			}
		}
		return tier.PurchaseSignal(true, m.ProductID)
	}
	return tier.PurchaseSignal(false, "")
}
