// Package registry maintains the in-memory set of currently registered
// nodes. It is the gateway's membership source of truth: the session
// manager, router, and delivery tracker all key off node IDs present here,
// and the cross-store invariants require every binding and
// pending delivery to reference a live registry entry.
//
// Safe for concurrent use — the websocket read pumps, the health
// sweep, and the admin HTTP surface all call into it from different
// goroutines.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNodeAlreadyRegistered is returned by Insert when the nodeId is already
// present. A client/node error — surfaced as a refusal.
var ErrNodeAlreadyRegistered = errors.New("registry: node already registered")

// Capabilities is the immutable-after-registration capability record for a
// node: the agent types it can run, the tools it exposes, the channels it
// serves, and how much concurrent work it accepts.
type Capabilities struct {
	AgentTypes     map[string]struct{}
	Tools          map[string]struct{}
	Channels       map[string]struct{}
	MaxConcurrency int
}

// NewCapabilities builds a Capabilities record from plain string slices,
// deduplicating into sets.
func NewCapabilities(agentTypes, tools, channels []string, maxConcurrency int) Capabilities {
	return Capabilities{
		AgentTypes:     toSet(agentTypes),
		Tools:          toSet(tools),
		Channels:       toSet(channels),
		MaxConcurrency: maxConcurrency,
	}
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func supersetOf(have map[string]struct{}, want string) bool {
	if want == "" {
		return true
	}
	_, ok := have[want]
	return ok
}

func supersetOfAll(have map[string]struct{}, want []string) bool {
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// Entry is one registered node. Entry values returned by Get/FindByRequirements
// are copies — callers never mutate registry state through them.
type Entry struct {
	NodeID          string
	Capabilities    Capabilities
	IsAlive         bool
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

// Requirements is a capability-filtered lookup query. Zero-value fields are
// treated as "don't care".
type Requirements struct {
	AgentType string
	Tools     []string
	Channel   string
}

// Registry is the mutex-guarded node membership table. The zero value is
// not usable — construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.Named("registry"),
	}
}

// Insert adds a new entry. Fails with ErrNodeAlreadyRegistered if nodeId is
// already present — the caller (orchestrator) is expected to reject the
// node.register frame in that case rather than silently replace state.
func (r *Registry) Insert(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.NodeID]; exists {
		return ErrNodeAlreadyRegistered
	}

	cp := e
	r.entries[e.NodeID] = &cp
	r.logger.Info("node registered",
		zap.String("node_id", e.NodeID),
		zap.Int("total_registered", len(r.entries)),
	)
	return nil
}

// InsertAll inserts every entry, used when restoring from a checkpoint.
// Unlike Insert it overwrites any existing entry with the same ID rather
// than failing — checkpoint restore happens only at startup, before any
// node has connected.
func (r *Registry) InsertAll(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		cp := e
		r.entries[e.NodeID] = &cp
	}
	r.logger.Info("registry restored from checkpoint", zap.Int("count", len(entries)))
}

// Remove deletes nodeId's entry. Idempotent — a no-op if absent.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[nodeID]; !exists {
		return
	}
	delete(r.entries, nodeID)
	r.logger.Info("node removed", zap.String("node_id", nodeID), zap.Int("total_registered", len(r.entries)))
}

// Get returns a copy of nodeId's entry, or false if absent.
func (r *Registry) Get(nodeID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[nodeID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether nodeId is currently registered.
func (r *Registry) Has(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[nodeID]
	return ok
}

// MarkAlive sets nodeId's IsAlive flag. When alive is true it also refreshes
// LastHeartbeatAt. It is a no-op if nodeId is not registered — the health
// sweep and heartbeat.pong handler both race harmlessly against deregistration.
func (r *Registry) MarkAlive(nodeID string, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeID]
	if !ok {
		return
	}
	e.IsAlive = alive
	if alive {
		e.LastHeartbeatAt = time.Now()
	}
}

// FindByRequirements returns every entry whose capability sets are
// supersets of req. Order is unspecified per spec.
func (r *Registry) FindByRequirements(req Requirements) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if !supersetOf(e.Capabilities.AgentTypes, req.AgentType) {
			continue
		}
		if !supersetOf(e.Capabilities.Channels, req.Channel) {
			continue
		}
		if !supersetOfAll(e.Capabilities.Tools, req.Tools) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Size returns the number of currently registered nodes.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of every entry, for checkpoint capture. Order is
// unspecified.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// AllUnhealthy returns the node IDs currently marked not-alive — used by the
// health sweep's first phase to find confirmed-dead nodes.
func (r *Registry) AllUnhealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, e := range r.entries {
		if !e.IsAlive {
			out = append(out, id)
		}
	}
	return out
}

// AllHealthy returns the node IDs currently marked alive — used by the
// health sweep's second phase to decide who gets pinged this round.
func (r *Registry) AllHealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, e := range r.entries {
		if e.IsAlive {
			out = append(out, id)
		}
	}
	return out
}
