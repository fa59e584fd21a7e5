// Package monitoring exposes the gateway's Prometheus metrics: the
// observability plumbing layered on top of the registry, manager and
// marketplace without either of those packages importing prometheus
// themselves.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge the gateway exports. Callers pull
// values from the registry/manager/marketplace on a tick and set them
// here rather than wiring prometheus into the domain packages directly.
type Metrics struct {
	NodesTotal      *prometheus.GaugeVec
	WorkloadsTotal  *prometheus.GaugeVec
	SchedulerTicks  prometheus.Counter
	SchedulerFails  prometheus.Counter
	EscrowsTotal    *prometheus.GaugeVec
	CheckpointFails prometheus.Counter
	WSConnections   prometheus.Gauge
	WSFramesDropped prometheus.Counter
}

// New registers every metric against reg and returns the bundle. Use a
// fresh prometheus.NewRegistry() in tests to avoid global-registry
// collisions across packages.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NodesTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Subsystem: "gateway",
			Name:      "nodes",
			Help:      "Number of registered nodes by health state.",
		}, []string{"health"}),
		WorkloadsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Subsystem: "gateway",
			Name:      "workloads",
			Help:      "Number of tracked workloads by state.",
		}, []string{"state"}),
		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Number of scheduling passes run.",
		}),
		SchedulerFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Subsystem: "scheduler",
			Name:      "placement_failures_total",
			Help:      "Number of pending workloads that failed to place in a pass.",
		}),
		EscrowsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Subsystem: "marketplace",
			Name:      "escrows",
			Help:      "Number of escrow accounts by state.",
		}, []string{"state"}),
		CheckpointFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Subsystem: "persistence",
			Name:      "checkpoint_failures_total",
			Help:      "Number of failed durable checkpoint writes.",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Subsystem: "gateway",
			Name:      "websocket_connections",
			Help:      "Number of currently open WebSocket connections.",
		}),
		WSFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Subsystem: "gateway",
			Name:      "websocket_frames_dropped_total",
			Help:      "Number of outbound frames dropped due to a full send buffer.",
		}),
	}
}

// SetNodeHealth records the current fleet health breakdown.
func (m *Metrics) SetNodeHealth(healthy, unhealthy, offline int) {
	m.NodesTotal.WithLabelValues("healthy").Set(float64(healthy))
	m.NodesTotal.WithLabelValues("unhealthy").Set(float64(unhealthy))
	m.NodesTotal.WithLabelValues("offline").Set(float64(offline))
}

// SetWorkloadStates records the current workload-state breakdown.
func (m *Metrics) SetWorkloadStates(counts map[string]int) {
	for state, n := range counts {
		m.WorkloadsTotal.WithLabelValues(state).Set(float64(n))
	}
}
