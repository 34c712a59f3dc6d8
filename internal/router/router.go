// Package router maintains channel and conversation affinity and the
// per-node lane-priority dispatch queues. It holds no
// knowledge of sessions or liveness — the orchestrator is responsible for
// only calling bindChannel/routeWithScope against nodes it has already
// verified are registered.
package router

import (
	"errors"
	"sync"
	"time"

	"github.com/fleetgate/gateway/internal/protocol"
	"go.uber.org/zap"
)

// ErrNodeNotFound is returned by BindChannel when nodeId is not known to
// the router's caller-supplied membership check.
var ErrNodeNotFound = errors.New("router: node not found")

// ErrUnknownLane is returned by LaneQueues.Enqueue for a lane string other
// than steer/collect/followup.
var ErrUnknownLane = errors.New("router: unknown lane")

// ChannelBinding is the coarse channelId -> nodeId affinity used when a
// lane message carries no routing context.
type ChannelBinding struct {
	ChannelID string
	NodeID    string
}

// ConversationBinding is the fine-grained conversationKey -> nodeId
// affinity, touched on every routed message.
type ConversationBinding struct {
	ConversationKey string
	NodeID          string
	CreatedAt       time.Time
	LastActiveAt    time.Time
}

// Router binds channels and conversations to nodes and owns the
// per-node lane dispatch queues. Safe for concurrent use.
type Router struct {
	mu            sync.Mutex
	channels      map[string]string               // channelId -> nodeId
	conversations map[string]*ConversationBinding  // conversationKey -> binding
	byNode        map[string]map[string]struct{}   // nodeId -> set of conversationKeys it owns
	Lanes         *LaneQueues
	logger        *zap.Logger
}

// New creates an empty Router.
func New(logger *zap.Logger) *Router {
	return &Router{
		channels:      make(map[string]string),
		conversations: make(map[string]*ConversationBinding),
		byNode:        make(map[string]map[string]struct{}),
		Lanes:         NewLaneQueues(),
		logger:        logger.Named("router"),
	}
}

// BindChannel records that channelId's unscoped traffic routes to nodeId.
// isRegistered is supplied by the caller (the orchestrator, backed by the
// registry) since the router itself has no membership knowledge; returns
// ErrNodeNotFound if isRegistered is false.
func (r *Router) BindChannel(channelID, nodeID string, isRegistered bool) error {
	if !isRegistered {
		return ErrNodeNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channelID] = nodeID
	r.logger.Info("channel bound", zap.String("channel_id", channelID), zap.String("node_id", nodeID))
	return nil
}

// GetBinding returns the node bound to channelId, if any.
func (r *Router) GetBinding(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodeID, ok := r.channels[channelID]
	return nodeID, ok
}

// RouteWithScope resolves the node that should receive msg. If msg carries
// a RoutingContext, it computes the conversation key via Fingerprint: an
// existing binding for that key is touched and returned; otherwise a new
// binding is allocated by falling back to the channel binding for
// msg.ChannelID, and that fallback node is returned (with the new
// conversation binding recorded). If msg has no RoutingContext, the
// channel binding alone is consulted. Returns false if no binding can be
// resolved by either path.
func (r *Router) RouteWithScope(msg protocol.LaneMessage, botID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.RoutingContext == nil {
		nodeID, ok := r.channels[msg.ChannelID]
		return nodeID, ok
	}

	key := Fingerprint(botID, msg.RoutingContext.PeerID, msg.RoutingContext.MessageType)
	if b, ok := r.conversations[key]; ok {
		b.LastActiveAt = time.Now()
		return b.NodeID, true
	}

	fallback, ok := r.channels[msg.ChannelID]
	if !ok {
		return "", false
	}

	now := time.Now()
	r.conversations[key] = &ConversationBinding{
		ConversationKey: key,
		NodeID:          fallback,
		CreatedAt:       now,
		LastActiveAt:    now,
	}
	r.indexNodeLocked(fallback, key)
	return fallback, true
}

func (r *Router) indexNodeLocked(nodeID, key string) {
	set, ok := r.byNode[nodeID]
	if !ok {
		set = make(map[string]struct{})
		r.byNode[nodeID] = set
	}
	set[key] = struct{}{}
}

// RemoveForNode destroys every channel binding, conversation binding, and
// queued lane message belonging to nodeId. Called when a node is
// deregistered or declared dead.
func (r *Router) RemoveForNode(nodeID string) {
	r.mu.Lock()
	for channelID, bound := range r.channels {
		if bound == nodeID {
			delete(r.channels, channelID)
		}
	}
	for key := range r.byNode[nodeID] {
		delete(r.conversations, key)
	}
	delete(r.byNode, nodeID)
	r.mu.Unlock()

	r.Lanes.RemoveNode(nodeID)
	r.logger.Info("router state cleared for node", zap.String("node_id", nodeID))
}

// ConversationBindings returns a copy of every current conversation
// binding, for checkpoint capture.
func (r *Router) ConversationBindings() []ConversationBinding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConversationBinding, 0, len(r.conversations))
	for _, b := range r.conversations {
		out = append(out, *b)
	}
	return out
}

// ChannelBindings returns a copy of every current channel binding, for
// checkpoint capture.
func (r *Router) ChannelBindings() []ChannelBinding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelBinding, 0, len(r.channels))
	for ch, node := range r.channels {
		out = append(out, ChannelBinding{ChannelID: ch, NodeID: node})
	}
	return out
}

// RestoreBindings repopulates channel and conversation bindings from a
// checkpoint. Callers are expected to have already validated that every
// bound nodeId has a corresponding restored session;
// RestoreBindings itself does not check that, it just writes the state.
func (r *Router) RestoreBindings(channels []ChannelBinding, conversations []ConversationBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range channels {
		r.channels[cb.ChannelID] = cb.NodeID
	}
	for _, b := range conversations {
		cp := b
		r.conversations[b.ConversationKey] = &cp
		r.indexNodeLocked(b.NodeID, b.ConversationKey)
	}
}
