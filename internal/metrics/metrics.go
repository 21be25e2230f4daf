// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gophboard"

// Metrics is the set of collectors shared by one process.
type Metrics struct {
	// Offline queue
	QueueDepth      *prometheus.GaugeVec
	QueueEnqueued   *prometheus.CounterVec
	FlushOutcomes   *prometheus.CounterVec
	QueueDropped    *prometheus.CounterVec
	FlushesInFlight prometheus.Gauge

	// Remote writes by operation and outcome (ok, queued, rejected)
	RemoteWrites *prometheus.CounterVec

	// Change stream events applied or ignored by the LWW rule
	RemoteChanges *prometheus.CounterVec

	// Ephemeral broadcasts
	Broadcasts *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Operations waiting in the offline queue",
			},
			[]string{"board"},
		),
		QueueEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueued_total",
				Help:      "Operations diverted to the offline queue",
			},
			[]string{"board", "type"},
		),
		FlushOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_flush_operations_total",
				Help:      "Queued operations processed by flush, by outcome",
			},
			[]string{"board", "outcome"},
		),
		QueueDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_dropped_total",
				Help:      "Operations dropped after exhausting retries or failing permanently",
			},
			[]string{"board", "type"},
		),
		FlushesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_flushes_in_flight",
				Help:      "Queue flushes currently running",
			},
		),
		RemoteWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_writes_total",
				Help:      "Writes issued to the remote store, by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		RemoteChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_changes_total",
				Help:      "Change stream events, by type and whether they were applied",
			},
			[]string{"type", "applied"},
		),
		Broadcasts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Ephemeral broadcasts published, by channel",
			},
			[]string{"channel"},
		),
	}
}

// NewNop returns collectors registered on a throwaway registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
