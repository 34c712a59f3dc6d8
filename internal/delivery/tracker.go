// Package delivery tracks messages handed to a node that have not yet been
// confirmed, so an unclean restart can replay them. It is a
// set keyed by message ID, not a queue — retry ordering is the replay
// caller's concern, not the tracker's.
package delivery

import (
	"sync"

	"github.com/fleetgate/gateway/internal/protocol"
	"go.uber.org/zap"
)

// Tracker holds the per-node pending-delivery set. Safe for concurrent
// use.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]map[string]protocol.LaneMessage // nodeId -> messageId -> message
	logger  *zap.Logger
}

// New creates an empty Tracker.
func New(logger *zap.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]map[string]protocol.LaneMessage),
		logger:  logger.Named("delivery"),
	}
}

// Track inserts message into nodeId's pending set, keyed by message.ID. A
// repeated ID overwrites the prior entry.
func (t *Tracker) Track(nodeID string, message protocol.LaneMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.pending[nodeID]
	if !ok {
		set = make(map[string]protocol.LaneMessage)
		t.pending[nodeID] = set
	}
	set[message.ID] = message
}

// Ack removes messageId from nodeId's pending set. Idempotent — a no-op if
// already absent or if nodeId has no pending set at all.
func (t *Tracker) Ack(nodeID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.pending[nodeID]
	if !ok {
		return
	}
	delete(set, messageID)
	if len(set) == 0 {
		delete(t.pending, nodeID)
	}
}

// DrainForNode removes and returns every message currently pending for
// nodeId. Order is unspecified. Used when a node deregisters or is
// declared dead.
func (t *Tracker) DrainForNode(nodeID string) []protocol.LaneMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.pending[nodeID]
	if !ok {
		return nil
	}
	out := make([]protocol.LaneMessage, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	delete(t.pending, nodeID)
	return out
}

// PendingCount returns how many messages are currently pending for nodeId.
func (t *Tracker) PendingCount(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[nodeID])
}

// PendingDelivery pairs a pending message with the node it was handed to,
// for checkpoint capture.
type PendingDelivery struct {
	NodeID  string
	Message protocol.LaneMessage
}

// Snapshot returns every pending delivery across every node, for
// checkpoint capture.
func (t *Tracker) Snapshot() []PendingDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PendingDelivery
	for nodeID, set := range t.pending {
		for _, m := range set {
			out = append(out, PendingDelivery{NodeID: nodeID, Message: m})
		}
	}
	return out
}

// FromSnapshot repopulates the pending set from checkpoint data.
func (t *Tracker) FromSnapshot(deliveries []PendingDelivery) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range deliveries {
		set, ok := t.pending[d.NodeID]
		if !ok {
			set = make(map[string]protocol.LaneMessage)
			t.pending[d.NodeID] = set
		}
		set[d.Message.ID] = d.Message
	}
}
