package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salonsync",
			Name:      "dispatches_total",
			Help:      "Outbox dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "salonsync",
			Name:      "outbox_depth",
			Help:      "Outbox transactions by status.",
		},
		[]string{"status"},
	)

	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "salonsync",
			Name:      "remote_connected",
			Help:      "1 when the remote service answers health probes.",
		},
	)

	conflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "salonsync",
			Name:      "conflicts_detected_total",
			Help:      "Version conflicts detected during entity sync.",
		},
	)

	entitySyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salonsync",
			Name:      "entity_syncs_total",
			Help:      "Entity sync attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(dispatches, queueDepth, connected, conflicts, entitySyncs)
	})
}

// IncDispatch records one dispatch attempt outcome
// (completed, retry, failed, network_error).
func IncDispatch(outcome string) {
	dispatches.WithLabelValues(outcome).Inc()
}

// SetQueueDepth updates the per-status queue depth gauge.
func SetQueueDepth(status string, depth int) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

// SetConnected reflects the monitor's verified reachability.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

// IncConflict counts one detected conflict.
func IncConflict() {
	conflicts.Inc()
}

// IncEntitySync records one entity sync attempt outcome (synced, failed).
func IncEntitySync(kind, outcome string) {
	entitySyncs.WithLabelValues(kind, outcome).Inc()
}
