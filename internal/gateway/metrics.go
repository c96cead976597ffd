package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mj2154/tickbus/pkg/monitoring"
)

// Metrics holds the gateway's Prometheus instruments. All recording
// paths tolerate a nil receiver so tests can run without a collector.
type Metrics struct {
	SessionsActive *prometheus.GaugeVec
	RequestsTotal  *prometheus.CounterVec
	FramesTotal    *prometheus.CounterVec
	SlowConsumers  *prometheus.CounterVec
	PendingTasks   *prometheus.GaugeVec
}

// NewMetrics registers the gateway instruments on the service collector.
func NewMetrics(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		SessionsActive: collector.NewGauge(
			"sessions_active",
			"Currently connected client sessions",
			[]string{},
		),
		RequestsTotal: collector.NewCounter(
			"requests_total",
			"Client requests by data type and outcome",
			[]string{"type", "outcome"},
		),
		FramesTotal: collector.NewCounter(
			"frames_total",
			"Outbound frames by disposition (sent, shed)",
			[]string{"disposition"},
		),
		SlowConsumers: collector.NewCounter(
			"slow_consumer_closes_total",
			"Sessions closed for sustained outbound backpressure",
			[]string{},
		),
		PendingTasks: collector.NewGauge(
			"pending_task_requests",
			"One-shot requests awaiting task completion",
			[]string{},
		),
	}
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues().Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues().Dec()
}

func (m *Metrics) request(dataType, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(dataType, outcome).Inc()
}

func (m *Metrics) frame(disposition string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(disposition).Inc()
}

func (m *Metrics) slowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumers.WithLabelValues().Inc()
}

func (m *Metrics) pendingDelta(d float64) {
	if m == nil {
		return
	}
	m.PendingTasks.WithLabelValues().Add(d)
}
