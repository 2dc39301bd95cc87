package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the counters/gauges exported at /metrics.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	EventsBroadcast   prometheus.Counter
	EditsRejected     *prometheus.CounterVec
	DocumentsActive   prometheus.Gauge
}

// NewMetrics registers every relay metric against reg. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests, so repeated construction within a
// test binary never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "wikisync_relay_active_connections",
			Help: "Number of currently connected participants.",
		}),
		EventsBroadcast: f.NewCounter(prometheus.CounterOpts{
			Name: "wikisync_relay_events_broadcast_total",
			Help: "Total number of ServerEvents broadcast to clients.",
		}),
		EditsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wikisync_relay_edits_rejected_total",
			Help: "Total number of ClientEdits rejected, by reason.",
		}, []string{"reason"}),
		DocumentsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "wikisync_relay_documents_active",
			Help: "Number of documents with at least one connected participant.",
		}),
	}
}
