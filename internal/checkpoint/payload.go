package checkpoint

import (
	"time"

	"github.com/fleetgate/gateway/internal/delivery"
	"github.com/fleetgate/gateway/internal/protocol"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/router"
	"github.com/fleetgate/gateway/internal/session"
)

// The *Payload types below are the JSON-serializable mirrors of the
// in-memory state-store types. Kept distinct from those types (rather than
// JSON-tagging the originals directly) so internal/session, internal/router,
// and internal/delivery stay free of storage concerns.

type capabilitiesPayload struct {
	AgentTypes     []string `json:"agentTypes"`
	Tools          []string `json:"tools"`
	Channels       []string `json:"channels"`
	MaxConcurrency int      `json:"maxConcurrency"`
}

type registryEntryPayload struct {
	NodeID          string              `json:"nodeId"`
	Capabilities    capabilitiesPayload `json:"capabilities"`
	IsAlive         bool                `json:"isAlive"`
	RegisteredAt    time.Time           `json:"registeredAt"`
	LastHeartbeatAt time.Time           `json:"lastHeartbeatAt"`
}

type sessionPayload struct {
	NodeID         string    `json:"nodeId"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type conversationBindingPayload struct {
	ConversationKey string    `json:"conversationKey"`
	NodeID          string    `json:"nodeId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
}

type channelBindingPayload struct {
	ChannelID string `json:"channelId"`
	NodeID    string `json:"nodeId"`
}

type routingContextPayload struct {
	PeerID      string `json:"peerId"`
	MessageType string `json:"messageType"`
}

type laneMessagePayload struct {
	ID             string                  `json:"id"`
	Lane           string                  `json:"lane"`
	ChannelID      string                  `json:"channelId"`
	Payload        []byte                  `json:"payload"`
	Timestamp      int64                   `json:"timestamp"`
	RoutingContext *routingContextPayload  `json:"routingContext,omitempty"`
}

type pendingDeliveryPayload struct {
	NodeID  string             `json:"nodeId"`
	Message laneMessagePayload `json:"message"`
}

func toPayload(cp Checkpoint) payload {
	p := payload{
		Version:      cp.Version,
		CheckpointID: cp.CheckpointID,
		CreatedAt:    cp.CreatedAt,
	}

	for _, e := range cp.RegistryEntries {
		p.RegistryEntries = append(p.RegistryEntries, registryEntryPayload{
			NodeID: e.NodeID,
			Capabilities: capabilitiesPayload{
				AgentTypes:     setToSlice(e.Capabilities.AgentTypes),
				Tools:          setToSlice(e.Capabilities.Tools),
				Channels:       setToSlice(e.Capabilities.Channels),
				MaxConcurrency: e.Capabilities.MaxConcurrency,
			},
			IsAlive:         e.IsAlive,
			RegisteredAt:    e.RegisteredAt,
			LastHeartbeatAt: e.LastHeartbeatAt,
		})
	}

	for _, s := range cp.Sessions {
		p.Sessions = append(p.Sessions, sessionPayload{
			NodeID:         s.NodeID,
			State:          string(s.State),
			ConnectedAt:    s.ConnectedAt,
			LastActivityAt: s.LastActivityAt,
		})
	}

	for _, b := range cp.ConversationBindings {
		p.ConversationBindings = append(p.ConversationBindings, conversationBindingPayload{
			ConversationKey: b.ConversationKey,
			NodeID:          b.NodeID,
			CreatedAt:       b.CreatedAt,
			LastActiveAt:    b.LastActiveAt,
		})
	}

	for _, b := range cp.ChannelBindings {
		p.ChannelBindings = append(p.ChannelBindings, channelBindingPayload{
			ChannelID: b.ChannelID,
			NodeID:    b.NodeID,
		})
	}

	for _, d := range cp.PendingDeliveries {
		p.PendingDeliveries = append(p.PendingDeliveries, pendingDeliveryPayload{
			NodeID:  d.NodeID,
			Message: toLaneMessagePayload(d.Message),
		})
	}

	return p
}

func fromPayload(p payload) Checkpoint {
	cp := Checkpoint{
		Version:      p.Version,
		CheckpointID: p.CheckpointID,
		CreatedAt:    p.CreatedAt,
	}

	for _, e := range p.RegistryEntries {
		cp.RegistryEntries = append(cp.RegistryEntries, registry.Entry{
			NodeID: e.NodeID,
			Capabilities: registry.NewCapabilities(
				e.Capabilities.AgentTypes, e.Capabilities.Tools, e.Capabilities.Channels, e.Capabilities.MaxConcurrency,
			),
			IsAlive:         e.IsAlive,
			RegisteredAt:    e.RegisteredAt,
			LastHeartbeatAt: e.LastHeartbeatAt,
		})
	}

	for _, s := range p.Sessions {
		cp.Sessions = append(cp.Sessions, session.Session{
			NodeID:         s.NodeID,
			State:          session.State(s.State),
			ConnectedAt:    s.ConnectedAt,
			LastActivityAt: s.LastActivityAt,
		})
	}

	for _, b := range p.ConversationBindings {
		cp.ConversationBindings = append(cp.ConversationBindings, router.ConversationBinding{
			ConversationKey: b.ConversationKey,
			NodeID:          b.NodeID,
			CreatedAt:       b.CreatedAt,
			LastActiveAt:    b.LastActiveAt,
		})
	}

	for _, b := range p.ChannelBindings {
		cp.ChannelBindings = append(cp.ChannelBindings, router.ChannelBinding{
			ChannelID: b.ChannelID,
			NodeID:    b.NodeID,
		})
	}

	for _, d := range p.PendingDeliveries {
		cp.PendingDeliveries = append(cp.PendingDeliveries, delivery.PendingDelivery{
			NodeID:  d.NodeID,
			Message: fromLaneMessagePayload(d.Message),
		})
	}

	return cp
}

func toLaneMessagePayload(m protocol.LaneMessage) laneMessagePayload {
	lm := laneMessagePayload{
		ID:        m.ID,
		Lane:      m.Lane,
		ChannelID: m.ChannelID,
		Payload:   []byte(m.Payload),
		Timestamp: m.Timestamp,
	}
	if m.RoutingContext != nil {
		lm.RoutingContext = &routingContextPayload{
			PeerID:      m.RoutingContext.PeerID,
			MessageType: m.RoutingContext.MessageType,
		}
	}
	return lm
}

func fromLaneMessagePayload(lm laneMessagePayload) protocol.LaneMessage {
	m := protocol.LaneMessage{
		ID:        lm.ID,
		Lane:      lm.Lane,
		ChannelID: lm.ChannelID,
		Payload:   lm.Payload,
		Timestamp: lm.Timestamp,
	}
	if lm.RoutingContext != nil {
		m.RoutingContext = &protocol.RoutingContext{
			PeerID:      lm.RoutingContext.PeerID,
			MessageType: lm.RoutingContext.MessageType,
		}
	}
	return m
}

func setToSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
