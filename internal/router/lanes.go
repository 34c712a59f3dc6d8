package router

import (
	"sync"

	"github.com/fleetgate/gateway/internal/protocol"
)

// lane enumerates the three fixed dispatch priorities. Order here is
// significant: it is the drain order.
type lane int

const (
	laneSteer lane = iota
	laneCollect
	laneFollowup
	laneCount
)

func laneFromString(s string) (lane, bool) {
	switch s {
	case "steer":
		return laneSteer, true
	case "collect":
		return laneCollect, true
	case "followup":
		return laneFollowup, true
	default:
		return 0, false
	}
}

// nodeQueues holds one FIFO per lane for a single node.
type nodeQueues struct {
	queues [laneCount][]protocol.LaneMessage
}

// LaneQueues is the per-node three-lane FIFO dispatch structure. Enqueue is
// O(1) (amortized slice append); DrainNode returns every currently queued
// message for a node in strict steer > collect > followup priority, FIFO
// within each lane, and empties the node's queues.
type LaneQueues struct {
	mu    sync.Mutex
	nodes map[string]*nodeQueues
}

// NewLaneQueues creates an empty LaneQueues.
func NewLaneQueues() *LaneQueues {
	return &LaneQueues{nodes: make(map[string]*nodeQueues)}
}

// Enqueue appends msg to nodeId's queue for msg.Lane. Unknown lane strings
// are rejected with ErrUnknownLane.
func (l *LaneQueues) Enqueue(nodeID string, msg protocol.LaneMessage) error {
	ln, ok := laneFromString(msg.Lane)
	if !ok {
		return ErrUnknownLane
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nq, ok := l.nodes[nodeID]
	if !ok {
		nq = &nodeQueues{}
		l.nodes[nodeID] = nq
	}
	nq.queues[ln] = append(nq.queues[ln], msg)
	return nil
}

// DrainNode returns and removes every message queued for nodeId, in
// priority order. Returns nil if nodeId has nothing queued.
func (l *LaneQueues) DrainNode(nodeID string) []protocol.LaneMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	nq, ok := l.nodes[nodeID]
	if !ok {
		return nil
	}

	var out []protocol.LaneMessage
	for ln := lane(0); ln < laneCount; ln++ {
		out = append(out, nq.queues[ln]...)
	}
	delete(l.nodes, nodeID)
	return out
}

// RemoveNode discards every queued message for nodeId without returning
// them — used on node removal once any final drain has already happened.
func (l *LaneQueues) RemoveNode(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

// PendingCount returns how many messages are currently queued for nodeId
// across all three lanes.
func (l *LaneQueues) PendingCount(nodeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	nq, ok := l.nodes[nodeID]
	if !ok {
		return 0
	}
	n := 0
	for ln := lane(0); ln < laneCount; ln++ {
		n += len(nq.queues[ln])
	}
	return n
}
