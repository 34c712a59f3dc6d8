// Package gateway implements the orchestrator that owns the registry,
// session manager, router, delivery tracker, health monitor, and
// checkpoint store, and exposes the single public surface the admin HTTP
// API and the WebSocket transport are wired against.
package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetgate/gateway/internal/auth"
	"github.com/fleetgate/gateway/internal/checkpoint"
	"github.com/fleetgate/gateway/internal/delivery"
	"github.com/fleetgate/gateway/internal/health"
	"github.com/fleetgate/gateway/internal/metrics"
	"github.com/fleetgate/gateway/internal/protocol"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/router"
	"github.com/fleetgate/gateway/internal/session"
	"github.com/fleetgate/gateway/internal/transport"
)

// errNodeHasNoConnection is returned by sendPing when the target node has
// already been torn down by the time the health sweep tries to reach it.
var errNodeHasNoConnection = errors.New("gateway: node has no open connection")

// Orchestrator ties the registry, session manager, router, delivery
// tracker, health monitor, and checkpoint store into a single fleet
// gateway process. The five stores are private fields; external callers —
// the WebSocket transport, the admin HTTP API, the CLI — reach them through
// Orchestrator's own methods. Frame handling and the multi-store methods
// run on the single command loop (loop.go); the read-only snapshot
// accessors and the Get* store accessors do not, and rely on each store's
// own lock.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	registry *registry.Registry
	sessions *session.Manager
	router   *router.Router
	tracker  *delivery.Tracker
	health   *health.Monitor
	store    checkpoint.Store
	authMgr  *auth.Manager
	metrics  *metrics.Gateway
	reg      *prometheus.Registry
	timers   session.TimerScheduler
	ws       *transport.Server

	events *eventBus

	commands   chan func()
	stopped    chan struct{}
	loopExited chan struct{}
	stopOnce   sync.Once

	conns  map[*transport.Conn]*connState
	byNode map[string]*transport.Conn
}

// connState is the per-connection bookkeeping the orchestrator keeps
// beyond the five stores: which nodeId (if any) has registered on it, and
// whether a malformed-frame warning has already been logged for it. Only
// ever touched from the command loop goroutine, so it needs no lock of its
// own.
type connState struct {
	nodeID          string
	warnedMalformed bool
}

// Deps bundles Orchestrator's external collaborators: the checkpoint
// store (nil disables persistence entirely — the gateway still runs, just
// always starts clean and never saves) and an optional private Prometheus
// registry (nil defaults to a fresh, unshared one, so unit tests never
// collide with each other or with a process-wide default registerer).
// Timers is optional; nil defaults to the real gocron-backed scheduler.
// Tests inject a deterministic fake so session-timer scenarios don't
// depend on wall-clock sleeps.
type Deps struct {
	Store   checkpoint.Store
	Logger  *zap.Logger
	Metrics *prometheus.Registry
	Timers  session.TimerScheduler
}

// New builds an Orchestrator. Call Start to restore from checkpoint,
// begin the health sweep, and start the command loop.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")

	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	timers := deps.Timers
	if timers == nil {
		var err error
		timers, err = session.NewGocronTimerScheduler()
		if err != nil {
			return nil, fmt.Errorf("gateway: creating timer scheduler: %w", err)
		}
	}

	authMgr, err := auth.New(cfg.NodeTokenSecret, cfg.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("gateway: creating auth manager: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		registry:   registry.New(logger),
		router:     router.New(logger),
		tracker:    delivery.New(logger),
		store:      deps.Store,
		authMgr:    authMgr,
		metrics:    metrics.New(reg),
		reg:        reg,
		timers:     timers,
		events:     newEventBus(logger),
		commands:   make(chan func(), cfg.CommandQueueDepth),
		stopped:    make(chan struct{}),
		loopExited: make(chan struct{}),
		conns:      make(map[*transport.Conn]*connState),
		byNode:     make(map[string]*transport.Conn),
	}
	o.sessions = session.New(cfg.IdleTimeout, cfg.SuspendTimeout, timers, o.onNodeDead, logger)

	mon, err := health.New(health.Deps{
		Registry: o.registry,
		Interval: cfg.HealthSweepInterval,
		OnDead:   o.onNodeDead,
		Ping:     o.sendPing,
		Logger:   logger,
		Metrics:  reg,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: creating health monitor: %w", err)
	}
	o.health = mon
	o.ws = transport.NewServer(transport.Handler{
		OnConnect: o.onConnect,
		OnFrame:   o.onFrame,
		OnClose:   o.onClose,
	}, logger)

	return o, nil
}

// Transport returns the WebSocket server factory that should be mounted on
// the node-facing HTTP endpoint (e.g. http.HandleFunc("/ws", server.Upgrade)).
func (o *Orchestrator) Transport() *transport.Server { return o.ws }

// Start restores from the last checkpoint (if any), begins the health
// sweep, and starts the command loop. Restore failures of every kind —
// missing checkpoint, a store error, a shape or invariant violation — are
// logged and treated as "start clean"; none of them prevent Start from
// succeeding.
func (o *Orchestrator) Start() error {
	o.restore()

	if err := o.health.Start(); err != nil {
		return fmt.Errorf("gateway: starting health monitor: %w", err)
	}
	go o.loop()
	return nil
}

func (o *Orchestrator) restore() {
	if o.store == nil {
		return
	}

	cp, ok, err := o.store.Load()
	if err != nil {
		o.logger.Warn("checkpoint load failed, starting clean", zap.Error(err))
		return
	}
	if !ok {
		o.logger.Info("no checkpoint found, starting clean")
		return
	}
	if cp.Version != checkpoint.CurrentVersion {
		o.logger.Warn("checkpoint version mismatch, starting clean",
			zap.Int("found_version", cp.Version), zap.Int("expected_version", checkpoint.CurrentVersion))
		return
	}
	if result := checkpoint.CheckInvariants(cp); !result.Valid {
		o.logger.Warn("checkpoint failed invariant check, starting clean",
			zap.Int("violation_count", len(result.Violations)))
		for _, v := range result.Violations {
			o.logger.Warn("checkpoint violation", zap.String("rule", v.Rule), zap.String("details", v.Details))
		}
		return
	}

	o.registry.InsertAll(cp.RegistryEntries)
	o.sessions.FromSnapshot(cp.Sessions)
	o.router.RestoreBindings(cp.ChannelBindings, cp.ConversationBindings)
	o.tracker.FromSnapshot(cp.PendingDeliveries)
	o.metrics.RegistrySize.Set(float64(o.registry.Size()))
	o.logger.Info("restored from checkpoint",
		zap.Int("nodes", len(cp.RegistryEntries)), zap.Int("sessions", len(cp.Sessions)))
}

// Stop quiesces the loop, captures and saves a final checkpoint
// (best-effort — a failure here is logged, never fatal to Stop), closes
// every open connection, and stops the health monitor and timer scheduler.
// Safe to call more than once; only the first call does anything.
func (o *Orchestrator) Stop() error {
	var saveErr error
	o.stopOnce.Do(func() {
		done := make(chan struct{})
		o.commands <- func() {
			saveErr = o.captureAndSaveLocked()
			for c := range o.conns {
				c.Close()
			}
			close(done)
		}
		<-done

		close(o.stopped)
		if err := o.health.Stop(); err != nil {
			o.logger.Warn("health monitor stop failed", zap.Error(err))
		}
		if err := o.timers.Shutdown(); err != nil {
			o.logger.Warn("timer scheduler shutdown failed", zap.Error(err))
		}
		<-o.loopExited
	})
	return saveErr
}

// SaveCheckpoint captures and persists the current state on demand.
func (o *Orchestrator) SaveCheckpoint() error {
	var err error
	o.call(func() { err = o.captureAndSaveLocked() })
	return err
}

// captureAndSaveLocked must only run on the command loop. It captures a
// snapshot from the stores, rejects it if it fails the invariant check
// (preserving the last-good saved state), and hands it to the store.
func (o *Orchestrator) captureAndSaveLocked() error {
	if o.store == nil {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		o.metrics.CheckpointFailures.Inc()
		return fmt.Errorf("gateway: generating checkpoint id: %w", err)
	}

	cp := checkpoint.Checkpoint{
		Version:              checkpoint.CurrentVersion,
		CheckpointID:         id.String(),
		CreatedAt:            time.Now(),
		RegistryEntries:      o.registry.Snapshot(),
		Sessions:             o.sessions.Snapshot(),
		ConversationBindings: o.router.ConversationBindings(),
		ChannelBindings:      o.router.ChannelBindings(),
		PendingDeliveries:    o.tracker.Snapshot(),
	}

	if result := checkpoint.CheckInvariants(cp); !result.Valid {
		o.metrics.CheckpointFailures.Inc()
		o.logger.Warn("checkpoint capture failed invariant check, not saving",
			zap.Int("violation_count", len(result.Violations)))
		return fmt.Errorf("gateway: candidate checkpoint failed invariant check (%d violations)", len(result.Violations))
	}

	if err := o.store.Save(cp); err != nil {
		o.metrics.CheckpointFailures.Inc()
		o.logger.Warn("checkpoint save failed", zap.Error(err))
		return err
	}
	o.metrics.CheckpointSaves.Inc()
	return nil
}

// CheckInvariants runs the five cross-store rules against the current
// state. Exposed publicly for the admin API and operator tooling.
func (o *Orchestrator) CheckInvariants() checkpoint.Result {
	var result checkpoint.Result
	o.call(func() {
		result = checkpoint.CheckInvariants(checkpoint.Checkpoint{
			RegistryEntries:      o.registry.Snapshot(),
			Sessions:             o.sessions.Snapshot(),
			ConversationBindings: o.router.ConversationBindings(),
			ChannelBindings:      o.router.ChannelBindings(),
			PendingDeliveries:    o.tracker.Snapshot(),
		})
	})
	return result
}

// BindChannel records that channelId's unscoped lane traffic should route
// to nodeId. Returns router.ErrNodeNotFound if nodeId isn't registered.
func (o *Orchestrator) BindChannel(channelID, nodeID string) error {
	var err error
	o.call(func() {
		err = o.router.BindChannel(channelID, nodeID, o.registry.Has(nodeID))
	})
	return err
}

// DrainNode returns and removes every message currently queued for nodeId
// across all three lanes. Returns router.ErrNodeNotFound if nodeId isn't
// registered.
func (o *Orchestrator) DrainNode(nodeID string) ([]protocol.LaneMessage, error) {
	var (
		msgs []protocol.LaneMessage
		err  error
	)
	o.call(func() {
		if !o.registry.Has(nodeID) {
			err = router.ErrNodeNotFound
			return
		}
		msgs = o.router.Lanes.DrainNode(nodeID)
	})
	return msgs, err
}

// RegistrySnapshot returns a copy of every currently registered node. Safe
// to call without going through the loop — Registry guards its own state.
func (o *Orchestrator) RegistrySnapshot() []registry.Entry { return o.registry.Snapshot() }

// ChannelBindings returns a copy of every current channel binding. Safe to
// call without going through the loop — Router guards its own state.
func (o *Orchestrator) ChannelBindings() []router.ChannelBinding { return o.router.ChannelBindings() }

// Gatherer returns the Prometheus registry the orchestrator's own
// collectors and the health monitor's sweep counters are registered
// against, so the admin API's /metrics endpoint can serve it directly
// instead of the unrelated process-wide default registry.
func (o *Orchestrator) Gatherer() prometheus.Gatherer { return o.reg }

// GetRegistry, GetSessionManager, GetRouter, GetConversationStore, and
// GetDeliveryTracker expose the underlying stores directly
// (getRegistry/getSessionManager/getRouter/getConversationStore/
// getDeliveryTracker) for callers — tests, an admin REPL — that need more
// than the narrow GatewayOps surface. Each store is independently safe
// for concurrent use.
func (o *Orchestrator) GetRegistry() *registry.Registry         { return o.registry }
func (o *Orchestrator) GetSessionManager() *session.Manager     { return o.sessions }
func (o *Orchestrator) GetRouter() *router.Router               { return o.router }
func (o *Orchestrator) GetConversationStore() *router.Router    { return o.router }
func (o *Orchestrator) GetDeliveryTracker() *delivery.Tracker   { return o.tracker }

// OnNodeRegistered, OnNodeDeregistered, and OnNodeDead subscribe fn to the
// orchestrator's three lifecycle events.
func (o *Orchestrator) OnNodeRegistered(fn func(nodeID string))   { o.events.OnNodeRegistered(fn) }
func (o *Orchestrator) OnNodeDeregistered(fn func(nodeID string)) { o.events.OnNodeDeregistered(fn) }
func (o *Orchestrator) OnNodeDead(fn func(nodeID string))         { o.events.OnNodeDead(fn) }

// onConnect, onFrame, and onClose are transport.Handler's callbacks. They
// run on the connection's own readPump goroutine (per internal/transport's
// contract), so each hands off to the command loop via submit/call rather
// than touching any store directly.
func (o *Orchestrator) onConnect(c *transport.Conn) {
	o.call(func() {
		o.conns[c] = &connState{}
	})
}

func (o *Orchestrator) onFrame(c *transport.Conn, f protocol.Frame) {
	o.call(func() {
		o.handleFrame(c, f)
	})
}

// onClose treats an unclean socket close like node.deregister for
// whichever nodeId (if any) had registered on c.
func (o *Orchestrator) onClose(c *transport.Conn) {
	o.call(func() {
		nodeID := o.nodeIDForConn(c)
		delete(o.conns, c)
		if nodeID == "" {
			return
		}
		o.teardownNode(nodeID)
		o.forgetNode(nodeID)
		o.logger.Info("node connection closed without deregister, treated as deregister",
			zap.String("node_id", nodeID))
		o.events.fireDeregistered(nodeID)
	})
}
