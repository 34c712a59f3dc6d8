// Package session implements the per-node session state machine (spec
// §4.3): connected → idle → suspended → disconnected, driven by inbound
// activity and two single-shot timers. Reaching disconnected is terminal
// and fires the manager's registered dead-node callback; that callback and
// the health monitor's own two-sweep dead declaration (§4.6) are
// independent, idempotent paths to the same outcome — see DESIGN.md's
// Open Question notes.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the four session lifecycle states.
type State string

const (
	StateConnected    State = "connected"
	StateIdle         State = "idle"
	StateSuspended    State = "suspended"
	StateDisconnected State = "disconnected"
)

// Session mirrors the data model's Session record.
type Session struct {
	NodeID         string
	State          State
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

func idleTag(nodeID string) string    { return nodeID + ":idle" }
func suspendTag(nodeID string) string { return nodeID + ":suspend" }

// Manager owns every node's Session and the timers that drive its
// transitions. The zero value is not usable — construct with New.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*Session
	timers         TimerScheduler
	idleTimeout    time.Duration
	suspendTimeout time.Duration
	onDead         func(nodeID string)
	logger         *zap.Logger
}

// New creates a Manager. onDead is invoked (outside the Manager's own lock)
// when a session reaches the terminal disconnected state; the orchestrator
// wires this to its registry/router/tracker cleanup and its own onNodeDead
// event fan-out.
func New(idleTimeout, suspendTimeout time.Duration, timers TimerScheduler, onDead func(nodeID string), logger *zap.Logger) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		timers:         timers,
		idleTimeout:    idleTimeout,
		suspendTimeout: suspendTimeout,
		onDead:         onDead,
		logger:         logger.Named("session"),
	}
}

// Create starts a new session for nodeId in state connected and arms its
// idle timer. Overwrites any prior session for the same nodeId (the
// orchestrator is expected to have already removed a stale session before
// re-registering, but Create is defensive about it).
func (m *Manager) Create(nodeID string) Session {
	m.mu.Lock()
	now := time.Now()
	s := &Session{NodeID: nodeID, State: StateConnected, ConnectedAt: now, LastActivityAt: now}
	m.sessions[nodeID] = s
	m.mu.Unlock()

	m.armIdleTimer(nodeID)
	return *s
}

// Touch records activity for nodeId: it cancels any pending suspend timer,
// re-arms the idle timer, and transitions the session back to connected if
// it was idle or suspended. No-op if nodeId has no session or its session
// has already reached the terminal disconnected state.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	s, ok := m.sessions[nodeID]
	if !ok || s.State == StateDisconnected {
		m.mu.Unlock()
		return
	}
	s.LastActivityAt = time.Now()
	s.State = StateConnected
	m.mu.Unlock()

	m.timers.Cancel(suspendTag(nodeID))
	m.armIdleTimer(nodeID)
}

// Get returns a copy of nodeId's session, or false if none exists.
func (m *Manager) Get(nodeID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Has reports whether nodeId currently has a session.
func (m *Manager) Has(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[nodeID]
	return ok
}

// Remove cancels nodeId's timers and deletes its session. Idempotent.
func (m *Manager) Remove(nodeID string) {
	m.timers.Cancel(idleTag(nodeID))
	m.timers.Cancel(suspendTag(nodeID))

	m.mu.Lock()
	delete(m.sessions, nodeID)
	m.mu.Unlock()
}

// Snapshot returns a timerless copy of every session, for checkpoint
// capture. Order is unspecified.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// FromSnapshot restores sessions WITHOUT starting any timers. Restored
// sessions are inert until the first real activity (Touch) or an explicit
// rehydration call — starting timers here would be a correctness bug: it
// would mark every restored session dead on the next sweep regardless of
// true liveness, since the network has not reconnected yet.
func (m *Manager) FromSnapshot(sessions []Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range sessions {
		cp := s
		m.sessions[s.NodeID] = &cp
	}
}

// armIdleTimer (re)schedules the idle timer for nodeId. Firing transitions
// connected → idle, provided the session is still in state connected (a
// concurrent Touch may have already reset it).
func (m *Manager) armIdleTimer(nodeID string) {
	_ = m.timers.Schedule(idleTag(nodeID), m.idleTimeout, func() {
		m.mu.Lock()
		s, ok := m.sessions[nodeID]
		if !ok || s.State != StateConnected {
			m.mu.Unlock()
			return
		}
		s.State = StateIdle
		m.mu.Unlock()

		m.logger.Debug("session idle", zap.String("node_id", nodeID))
		m.armSuspendTimer(nodeID, StateIdle)
	})
}

// armSuspendTimer (re)schedules the suspend timer for nodeId. from is the
// state the session must still be in for the timer to take effect: the
// first firing transitions idle → suspended and re-arms itself; the second
// firing transitions suspended → disconnected (terminal) and fires onDead.
func (m *Manager) armSuspendTimer(nodeID string, from State) {
	_ = m.timers.Schedule(suspendTag(nodeID), m.suspendTimeout, func() {
		m.mu.Lock()
		s, ok := m.sessions[nodeID]
		if !ok || s.State != from {
			m.mu.Unlock()
			return
		}

		switch from {
		case StateIdle:
			s.State = StateSuspended
			m.mu.Unlock()
			m.logger.Debug("session suspended", zap.String("node_id", nodeID))
			m.armSuspendTimer(nodeID, StateSuspended)

		case StateSuspended:
			s.State = StateDisconnected
			m.mu.Unlock()
			m.logger.Info("session disconnected (terminal)", zap.String("node_id", nodeID))
			if m.onDead != nil {
				m.onDead(nodeID)
			}

		default:
			m.mu.Unlock()
		}
	})
}
