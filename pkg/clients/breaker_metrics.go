package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

// The breaker instruments live on the default registry, which is what
// the services' /metrics endpoint serves.
var (
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upstream_breaker_state",
			Help: "Circuit state per upstream (0=closed, 1=half-open, 2=open)",
		},
		[]string{"upstream"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_breaker_transitions_total",
			Help: "Circuit state transitions per upstream",
		},
		[]string{"upstream", "from", "to"},
	)
)

func init() {
	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(breakerTransitions)
}

func recordBreakerTransition(name string, from, to BreakerState) {
	breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name).Set(float64(to))
}
