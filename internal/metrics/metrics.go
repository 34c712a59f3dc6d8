// Package metrics collects the Prometheus gauges and counters the
// orchestrator exports on the admin HTTP surface's /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gateway bundles every collector the orchestrator updates directly (the
// sweep counters in internal/health register themselves separately, since
// they're local to that package's own concern).
type Gateway struct {
	RegistrySize       prometheus.Gauge
	PendingDeliveries  prometheus.Gauge
	CheckpointSaves    prometheus.Counter
	CheckpointFailures prometheus.Counter
	NodesDispatched    prometheus.Counter
}

// New creates a Gateway's collectors and registers them against reg.
func New(reg prometheus.Registerer) *Gateway {
	g := &Gateway{
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetgate_registry_size",
			Help: "Current number of registered nodes.",
		}),
		PendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetgate_pending_deliveries",
			Help: "Current number of undelivered-but-tracked messages across all nodes.",
		}),
		CheckpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_checkpoint_saves_total",
			Help: "Number of successful checkpoint saves.",
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_checkpoint_save_failures_total",
			Help: "Number of checkpoint save attempts that failed or were skipped.",
		}),
		NodesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_lane_messages_dispatched_total",
			Help: "Number of lane messages enqueued for dispatch to a node.",
		}),
	}

	for _, c := range []prometheus.Collector{
		g.RegistrySize, g.PendingDeliveries, g.CheckpointSaves, g.CheckpointFailures, g.NodesDispatched,
	} {
		_ = reg.Register(c)
	}

	return g
}
