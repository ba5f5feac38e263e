package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the gate binaries export. Each binary only
// touches the ones it owns; the rest stay at zero.
type Metrics struct {
	ScanOutcomes        *prometheus.CounterVec
	SyncPasses          *prometheus.CounterVec
	SyncEntries         *prometheus.CounterVec
	SyncPassDuration    prometheus.Histogram
	SyncHealth          prometheus.Gauge
	QueueDepth          *prometheus.GaugeVec
	Divergences         prometheus.Counter
	DiscrepanciesRaised *prometheus.CounterVec
	OccupancyDelta      *prometheus.GaugeVec
	FraudFlags          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so runs do not collide.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScanOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatescan_scan_outcomes_total",
				Help: "Committed scan verdicts by outcome",
			},
			[]string{"outcome"},
		),
		SyncPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatescan_sync_passes_total",
				Help: "Sync passes run by the device, by result",
			},
			[]string{"result"},
		),
		SyncEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatescan_sync_entries_total",
				Help: "Queue entries processed by sync, by result",
			},
			[]string{"result"},
		),
		SyncPassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatescan_sync_pass_duration_seconds",
				Help:    "Duration of sync passes",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		SyncHealth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatescan_sync_health_percent",
				Help: "Synced share of entries processed over the recent history window",
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatescan_queue_entries",
				Help: "Device queue entries by sync status",
			},
			[]string{"status"},
		),
		Divergences: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gatescan_sync_divergences_total",
				Help: "Provisional verdicts overturned by the authoritative result",
			},
		),
		DiscrepanciesRaised: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatescan_discrepancies_raised_total",
				Help: "Occupancy discrepancies persisted, by event",
			},
			[]string{"event_id"},
		),
		OccupancyDelta: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatescan_occupancy_delta",
				Help: "Last physical minus digital count per event",
			},
			[]string{"event_id"},
		),
		FraudFlags: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatescan_fraud_flags_total",
				Help: "Fraud logs created, by severity",
			},
			[]string{"severity"},
		),
		gatherer: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
