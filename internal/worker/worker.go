// Package worker is the adapter side of the bus: it keeps upstream
// subscriptions reconciled against the registry, ingests market frames
// into live rows, runs queued request/response tasks against the
// upstream REST API and maintains account state from user streams.
package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mj2154/tickbus/pkg/monitoring"
)

// Metrics holds the adapter's Prometheus instruments. All recording
// paths tolerate a nil receiver so tests can run without a collector.
type Metrics struct {
	FramesIngested *prometheus.CounterVec
	StreamsTracked *prometheus.GaugeVec
	ReconcileRuns  *prometheus.CounterVec
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	AccountUpdates *prometheus.CounterVec
	OrphanedReaped *prometheus.CounterVec
	ResolveLookups *prometheus.CounterVec
}

// NewMetrics registers the adapter instruments on the service collector.
func NewMetrics(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		FramesIngested: collector.NewCounter(
			"frames_ingested_total",
			"Upstream market frames by stream family and outcome",
			[]string{"stream", "outcome"},
		),
		StreamsTracked: collector.NewGauge(
			"streams_tracked",
			"Streams tracked per upstream connection group",
			[]string{"group"},
		),
		ReconcileRuns: collector.NewCounter(
			"reconcile_runs_total",
			"Reconciler flushes by kind (delta, full)",
			[]string{"kind"},
		),
		TasksTotal: collector.NewCounter(
			"tasks_total",
			"Executed tasks by type and outcome",
			[]string{"type", "outcome"},
		),
		TaskDuration: collector.NewHistogram(
			"task_duration_seconds",
			"Task execution time by type",
			[]string{"type"},
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		),
		AccountUpdates: collector.NewCounter(
			"account_updates_total",
			"Account state writes by market type and source",
			[]string{"market", "source"},
		),
		OrphanedReaped: collector.NewCounter(
			"orphaned_tasks_reaped_total",
			"Claimed tasks returned to the queue by the janitor",
			[]string{"type"},
		),
		ResolveLookups: collector.NewCounter(
			"resolve_lookups_total",
			"Symbol resolution cache traffic by outcome (hit, miss, stale)",
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) frame(stream, outcome string) {
	if m == nil {
		return
	}
	m.FramesIngested.WithLabelValues(stream, outcome).Inc()
}

func (m *Metrics) tracked(group string, n int) {
	if m == nil {
		return
	}
	m.StreamsTracked.WithLabelValues(group).Set(float64(n))
}

func (m *Metrics) reconcile(kind string) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(kind).Inc()
}

func (m *Metrics) task(taskType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(taskType, outcome).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(seconds)
}

func (m *Metrics) account(market, source string) {
	if m == nil {
		return
	}
	m.AccountUpdates.WithLabelValues(market, source).Inc()
}

func (m *Metrics) reaped(taskType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.OrphanedReaped.WithLabelValues(taskType).Add(float64(n))
}

func (m *Metrics) resolve(outcome string) {
	if m == nil {
		return
	}
	m.ResolveLookups.WithLabelValues(outcome).Inc()
}
