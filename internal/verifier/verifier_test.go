package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/tier"
)

func provider(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestBeehiivActivePremium(t *testing.T) {
	url := provider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publications/pub_1/subscriptions/by_email/reader@example.com", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"email":"reader@example.com","status":"active","subscription_tier":"premium"}}`))
	})

	sig := NewBeehiiv(url, "key", "pub_1", 0).Verify(context.Background(), "reader@example.com")
	require.NoError(t, sig.Validate())
	assert.True(t, sig.Available)
	assert.True(t, sig.Found)
	assert.Equal(t, tier.Premium, sig.Tier)
}

func TestBeehiivInactiveIsFreeRecord(t *testing.T) {
	url := provider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"unsubscribed","subscription_tier":"premium"}}`))
	})

	sig := NewBeehiiv(url, "key", "pub_1", 0).Verify(context.Background(), "reader@example.com")
	assert.True(t, sig.Found)
	assert.Equal(t, tier.Free, sig.Tier)
}

func TestBeehiivNotFound(t *testing.T) {
	url := provider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	sig := NewBeehiiv(url, "key", "pub_1", 0).Verify(context.Background(), "ghost@example.com")
	require.NoError(t, sig.Validate())
	assert.True(t, sig.Available)
	assert.False(t, sig.Found)
}

func TestBeehiivFailuresAreUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"rate limited": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
		"bad json":     func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"data":`)) },
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			sig := NewBeehiiv(provider(t, handler), "key", "pub_1", 0).Verify(context.Background(), "reader@example.com")
			assert.False(t, sig.Available)
			assert.NotEmpty(t, sig.Detail)
		})
	}
}

func TestBeehiivHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	url := provider(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	sig := NewBeehiiv(url, "key", "pub_1", 0).Verify(ctx, "reader@example.com")
	assert.False(t, sig.Available)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWhopProductFilter(t *testing.T) {
	url := provider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/memberships", r.URL.Path)
		assert.Equal(t, "reader@example.com", r.URL.Query().Get("email"))
		assert.Equal(t, "true", r.URL.Query().Get("valid"))
		_, _ = w.Write([]byte(`{"data":[{"id":"mem_1","product_id":"prod_other","valid":true},{"id":"mem_2","product_id":"prod_dash","valid":true}]}`))
	})

	sig := NewWhop(url, "key", []string{"prod_dash"}, 0).Verify(context.Background(), "reader@example.com")
	require.NoError(t, sig.Validate())
	assert.True(t, sig.Purchase)
	assert.Equal(t, "prod_dash", sig.Detail)

	sig = NewWhop(url, "key", []string{"prod_missing"}, 0).Verify(context.Background(), "reader@example.com")
	require.NoError(t, sig.Validate())
	assert.True(t, sig.Available)
	assert.False(t, sig.Purchase)
}

func TestWhopAnyProductWhenUnfiltered(t *testing.T) {
	url := provider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"mem_1","product_id":"prod_any","valid":true}]}`))
	})

	sig := NewWhop(url, "key", nil, 0).Verify(context.Background(), "reader@example.com")
	assert.True(t, sig.Purchase)
}

func TestCredentialVerifier(t *testing.T) {
	repo := account.NewMemoryRepository()
	_, _, err := repo.Upsert(context.Background(), account.UpsertInput{Email: "member@example.com", Tier: tier.Paid, Source: tier.SourceBeehiiv}, time.Now())
	require.NoError(t, err)

	v := NewCredential(repo)
	sig := v.Verify(context.Background(), "member@example.com")
	require.NoError(t, sig.Validate())
	assert.True(t, sig.Found)
	assert.Equal(t, tier.Paid, sig.Tier)

	sig = v.Verify(context.Background(), "ghost@example.com")
	require.NoError(t, sig.Validate())
	assert.True(t, sig.Available)
	assert.False(t, sig.Found)
}

func TestStaticVerifier(t *testing.T) {
	s := NewStatic(tier.SourceWhop).Set("Buyer@example.com", tier.PurchaseSignal(true, "prod"))

	sig := s.Verify(context.Background(), "buyer@example.com")
	assert.True(t, sig.Purchase)
	require.NoError(t, s.Verify(context.Background(), "other@example.com").Validate())

	s.SetDown(true)
	assert.False(t, s.Verify(context.Background(), "buyer@example.com").Available)
}
