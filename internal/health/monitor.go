// Package health runs the periodic two-phase liveness sweep: a
// node that misses two consecutive sweeps without an intervening
// heartbeat.pong is declared dead; a node that answers every sweep stays
// alive indefinitely.
package health

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Registry is the subset of *registry.Registry the sweep needs. Defined
// here (rather than imported concretely) so the monitor can be tested
// against a fake without standing up a real registry.
type Registry interface {
	AllUnhealthy() []string
	AllHealthy() []string
	MarkAlive(nodeID string, alive bool)
	Remove(nodeID string)
}

// Monitor runs the sweep on a fixed interval via gocron. The zero value is
// not usable — construct with New.
type Monitor struct {
	cron     gocron.Scheduler
	registry Registry
	interval time.Duration
	onDead   func(nodeID string)
	ping     func(nodeID string) error
	logger   *zap.Logger

	sweepsTotal prometheus.Counter
	reapedTotal prometheus.Counter
	pingsFailed prometheus.Counter
	pingsSent   prometheus.Counter
}

// Deps bundles Monitor's constructor arguments.
type Deps struct {
	Registry Registry
	Interval time.Duration
	// OnDead is invoked for every node found confirmed-dead, after it has
	// been removed from the registry. Wired to the orchestrator's shared
	// dead-node cascade (session/router/tracker cleanup + event fan-out) —
	// the same callback the session manager's own timer chain can also
	// invoke, see DESIGN.md.
	OnDead func(nodeID string)
	// Ping best-effort sends a heartbeat.ping frame to nodeID. A returned
	// error is logged but never itself declares the node dead — only a
	// second consecutive missed sweep does that.
	Ping     func(nodeID string) error
	Logger   *zap.Logger
	// Metrics, when non-nil, receives the monitor's counters for export.
	Metrics prometheus.Registerer
}

// New creates a Monitor. Call Start to begin sweeping.
func New(d Deps) (*Monitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cron:     s,
		registry: d.Registry,
		interval: d.Interval,
		onDead:   d.OnDead,
		ping:     d.Ping,
		logger:   d.Logger.Named("health"),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_health_sweeps_total",
			Help: "Number of health sweeps run.",
		}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_health_nodes_reaped_total",
			Help: "Number of nodes declared dead and reaped by the health sweep.",
		}),
		pingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_health_pings_sent_total",
			Help: "Number of heartbeat.ping frames sent by the health sweep.",
		}),
		pingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_health_pings_failed_total",
			Help: "Number of heartbeat.ping sends that returned an error.",
		}),
	}

	if d.Metrics != nil {
		for _, c := range []prometheus.Collector{m.sweepsTotal, m.reapedTotal, m.pingsSent, m.pingsFailed} {
			_ = d.Metrics.Register(c)
		}
	}

	return m, nil
}

// Start registers the recurring sweep job and starts the scheduler.
func (m *Monitor) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(m.sweep),
		gocron.WithTags("health-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the scheduler. Does not wait for an in-flight sweep longer
// than gocron's own shutdown grace.
func (m *Monitor) Stop() error {
	return m.cron.Shutdown()
}

// SweepOnce runs one sweep synchronously. Exposed for tests and for a
// manual "check now" admin operation.
func (m *Monitor) SweepOnce() {
	m.sweep()
}

func (m *Monitor) sweep() {
	m.sweepsTotal.Inc()

	for _, nodeID := range m.registry.AllUnhealthy() {
		m.registry.Remove(nodeID)
		m.reapedTotal.Inc()
		m.logger.Info("node declared dead by health sweep", zap.String("node_id", nodeID))
		if m.onDead != nil {
			m.onDead(nodeID)
		}
	}

	for _, nodeID := range m.registry.AllHealthy() {
		m.registry.MarkAlive(nodeID, false)
		if m.ping == nil {
			continue
		}
		m.pingsSent.Inc()
		if err := m.ping(nodeID); err != nil {
			m.pingsFailed.Inc()
			m.logger.Warn("heartbeat.ping send failed, awaiting next sweep",
				zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}
