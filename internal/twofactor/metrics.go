package twofactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts second-factor attempts and lockouts.
type Metrics struct {
	attempts *prometheus.CounterVec
	lockouts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "admin_2fa",
			Name:      "attempts_total",
			Help:      "Second-factor attempts by method and result.",
		}, []string{"method", "result"}),
		lockouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "admin_2fa",
			Name:      "lockouts_total",
			Help:      "Admin accounts locked after repeated failures or explicit lockout.",
		}),
	}
}

func (m *Metrics) observeAttempt(method Method, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(method), result).Inc()
}

func (m *Metrics) observeLockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}
