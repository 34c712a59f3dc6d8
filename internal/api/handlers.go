package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetgate/gateway/internal/checkpoint"
	"github.com/fleetgate/gateway/internal/protocol"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/router"
)

// ErrNodeNotFound is returned by GatewayOps.DrainNode when the node is not
// currently registered.
var ErrNodeNotFound = router.ErrNodeNotFound

// GatewayOps is the subset of the orchestrator's public surface the admin
// HTTP API is allowed to call. Defined here rather than imported
// concretely so this package never needs to import internal/gateway.
type GatewayOps interface {
	RegistrySnapshot() []registry.Entry
	ChannelBindings() []router.ChannelBinding
	CheckInvariants() checkpoint.Result
	DrainNode(nodeID string) ([]protocol.LaneMessage, error)
	// Gatherer returns the Prometheus registry the orchestrator's own
	// collectors (and the health monitor's sweep counters) are registered
	// against, so /metrics serves the same registry they update rather
	// than the unrelated global default.
	Gatherer() prometheus.Gatherer
}

type handlers struct {
	ops GatewayOps
}

type registryEntryView struct {
	NodeID          string   `json:"nodeId"`
	AgentTypes      []string `json:"agentTypes"`
	Tools           []string `json:"tools"`
	Channels        []string `json:"channels"`
	MaxConcurrency  int      `json:"maxConcurrency"`
	IsAlive         bool     `json:"isAlive"`
	RegisteredAt    string   `json:"registeredAt"`
	LastHeartbeatAt string   `json:"lastHeartbeatAt"`
}

func toRegistryEntryView(e registry.Entry) registryEntryView {
	return registryEntryView{
		NodeID:          e.NodeID,
		AgentTypes:      keysOf(e.Capabilities.AgentTypes),
		Tools:           keysOf(e.Capabilities.Tools),
		Channels:        keysOf(e.Capabilities.Channels),
		MaxConcurrency:  e.Capabilities.MaxConcurrency,
		IsAlive:         e.IsAlive,
		RegisteredAt:    e.RegisteredAt.Format(timeLayout),
		LastHeartbeatAt: e.LastHeartbeatAt.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// listRegistry handles GET /v1/registry.
func (h *handlers) listRegistry(w http.ResponseWriter, r *http.Request) {
	entries := h.ops.RegistrySnapshot()
	views := make([]registryEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toRegistryEntryView(e))
	}
	Ok(w, views)
}

// listChannelBindings handles GET /v1/channel-bindings.
func (h *handlers) listChannelBindings(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.ops.ChannelBindings())
}

// checkInvariants handles GET /v1/invariants.
func (h *handlers) checkInvariants(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.ops.CheckInvariants())
}

// drainNode handles POST /v1/nodes/{id}/drain.
func (h *handlers) drainNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if nodeID == "" {
		ErrBadRequest(w, "missing node id")
		return
	}

	messages, err := h.ops.DrainNode(nodeID)
	if err != nil {
		if err == ErrNodeNotFound {
			ErrNotFound(w, "node not found")
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, messages)
}

// healthz handles GET /healthz.
func healthz(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]string{"status": "ok"})
}
