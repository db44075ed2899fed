package tier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts resolutions and per-verifier outcomes.
type Metrics struct {
	resolutions *prometheus.CounterVec
	verifier    *prometheus.CounterVec
}

// NewMetrics registers the resolver metrics on reg. A nil registerer yields
// unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "tier",
			Name:      "resolutions_total",
			Help:      "Tier resolutions by resulting tier and source.",
		}, []string{"tier", "source"}),
		verifier: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "tier",
			Name:      "verifier_results_total",
			Help:      "Identity verifier outcomes by source.",
		}, []string{"source", "outcome"}),
	}
}

func (m *Metrics) observeSignal(s Signal) {
	if m == nil {
		return
	}
	outcome := "unavailable"
	switch {
	case s.Available && s.Found:
		outcome = "found"
	case s.Available:
		outcome = "not_found"
	}
	m.verifier.WithLabelValues(string(s.Source), outcome).Inc()
}

func (m *Metrics) observeResolution(t Tier, src Source) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(t), string(src)).Inc()
}

func (m *Metrics) observeUnauthenticated() {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues("", "unauthenticated").Inc()
}
