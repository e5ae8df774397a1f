// Package telemetry owns the prometheus collectors and the OpenTelemetry
// tracer provider of the service.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the sync and rollup collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsApplied  *prometheus.CounterVec
	RecordsDropped *prometheus.CounterVec
	Resyncs        *prometheus.CounterVec
	FeedState      *prometheus.GaugeVec
	StoreRows      *prometheus.GaugeVec
	RollupDuration prometheus.Histogram

	states []string
}

// NewMetrics registers the collectors on reg. feedStates lists every state
// the feed_state gauge reports, so exactly one of them reads 1.
func NewMetrics(reg prometheus.Registerer, feedStates ...string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaycache_events_applied_total",
				Help: "Change notifications applied to the store",
			},
			[]string{"table", "op"},
		),
		RecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaycache_records_dropped_total",
				Help: "Rows or notifications dropped instead of applied",
			},
			[]string{"table", "reason"},
		),
		Resyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaycache_resyncs_total",
				Help: "Full resynchronizations by result",
			},
			[]string{"result"},
		),
		FeedState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaycache_feed_state",
				Help: "1 for the current change feed state, 0 otherwise",
			},
			[]string{"state"},
		),
		StoreRows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaycache_store_rows",
				Help: "Rows held per table",
			},
			[]string{"table"},
		),
		RollupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaycache_rollup_duration_seconds",
			Help:    "Time spent computing a rollup",
			Buckets: prometheus.DefBuckets,
		}),
		states: feedStates,
	}
}

func (m *Metrics) EventApplied(table, op string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(table, op).Inc()
}

func (m *Metrics) RecordDropped(table, reason string) {
	if m == nil {
		return
	}
	m.RecordsDropped.WithLabelValues(table, reason).Inc()
}

func (m *Metrics) Resync(result string) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(result).Inc()
}

func (m *Metrics) SetFeedState(state string) {
	if m == nil {
		return
	}
	for _, s := range m.states {
		m.FeedState.WithLabelValues(s).Set(0)
	}
	m.FeedState.WithLabelValues(state).Set(1)
}

func (m *Metrics) SetStoreRows(table string, n int) {
	if m == nil {
		return
	}
	m.StoreRows.WithLabelValues(table).Set(float64(n))
}

func (m *Metrics) ObserveRollup(d time.Duration) {
	if m == nil {
		return
	}
	m.RollupDuration.Observe(d.Seconds())
}
