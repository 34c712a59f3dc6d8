package gateway

import (
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/gateway/internal/protocol"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/transport"
)

// handleFrame is the frame dispatch table. It always runs on the command
// loop — callers reach it only via submit/call.
func (o *Orchestrator) handleFrame(c *transport.Conn, f protocol.Frame) {
	switch f.Kind {
	case protocol.KindNodeRegister:
		o.handleRegister(c, f)
	case protocol.KindNodeDeregister:
		o.handleDeregister(c, f)
	case protocol.KindHeartbeatPong:
		o.handlePong(c, f)
	case protocol.KindLaneMessage:
		o.handleLaneMessage(c, f)
	default:
		o.dropFrame(c, f)
	}
}

// handleRegister validates the token, inserts the registry entry, creates
// the session, acks, and fires onNodeRegistered. A bad token or a
// double-register is a client error: it's surfaced back on the
// same ack kind with Reason set, not silently dropped, and the connection
// is left open so the node can retry with a corrected frame.
func (o *Orchestrator) handleRegister(c *transport.Conn, f protocol.Frame) {
	if _, err := o.authMgr.Validate(f.Token); err != nil {
		o.logger.Warn("rejected node.register: invalid token",
			zap.String("node_id", f.NodeID), zap.String("remote_addr", c.RemoteAddr), zap.Error(err))
		c.Send(protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: f.NodeID, Reason: "invalid token"})
		return
	}

	now := time.Now()
	entry := registry.Entry{
		NodeID: f.NodeID,
		Capabilities: registry.NewCapabilities(
			f.Capabilities.AgentTypes, f.Capabilities.Tools, f.Capabilities.Channels, f.Capabilities.MaxConcurrency,
		),
		IsAlive:         true,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if err := o.registry.Insert(entry); err != nil {
		o.logger.Warn("rejected node.register: already registered",
			zap.String("node_id", f.NodeID), zap.Error(err))
		c.Send(protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: f.NodeID, Reason: err.Error()})
		return
	}

	o.sessions.Create(f.NodeID)
	o.bindConn(c, f.NodeID)
	o.metrics.RegistrySize.Set(float64(o.registry.Size()))

	c.Send(protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: f.NodeID})
	o.logger.Info("node registered", zap.String("node_id", f.NodeID), zap.String("remote_addr", c.RemoteAddr))
	o.events.fireRegistered(f.NodeID)
}

// handleDeregister runs the full node.deregister cascade for the node
// bound to c. Idempotent: a deregister for a node that was already torn
// down (e.g. by a concurrent onNodeDead) is a no-op.
func (o *Orchestrator) handleDeregister(c *transport.Conn, f protocol.Frame) {
	nodeID := f.NodeID
	if nodeID == "" {
		nodeID = o.nodeIDForConn(c)
	}
	if nodeID == "" {
		return
	}

	o.teardownNode(nodeID)
	o.forgetNode(nodeID)
	o.logger.Info("node deregistered", zap.String("node_id", nodeID))
	o.events.fireDeregistered(nodeID)
}

// handlePong marks the node alive in the registry and resets its session
// idle timer. No-op if c has no registered node yet.
func (o *Orchestrator) handlePong(c *transport.Conn, f protocol.Frame) {
	nodeID := o.nodeIDForConn(c)
	if nodeID == "" {
		return
	}
	o.registry.MarkAlive(nodeID, true)
	o.sessions.Touch(nodeID)
}

// handleLaneMessage resolves the target node (scoped conversation binding
// if routingContext is present, else the channel binding), enqueues on its
// lane queue, tracks the delivery, and acks. A message that resolves to no
// binding is dropped and logged — there is no node to enqueue it on.
func (o *Orchestrator) handleLaneMessage(c *transport.Conn, f protocol.Frame) {
	nodeID := o.nodeIDForConn(c)
	if nodeID == "" {
		o.dropFrame(c, f)
		return
	}
	o.sessions.Touch(nodeID)

	msg := f.Message
	target, ok := o.router.RouteWithScope(msg, o.cfg.BotID)
	if !ok {
		o.logger.Warn("lane.message has no resolvable binding, dropping",
			zap.String("channel_id", msg.ChannelID), zap.String("message_id", msg.ID))
		return
	}

	if err := o.router.Lanes.Enqueue(target, msg); err != nil {
		o.logger.Warn("lane.message enqueue rejected",
			zap.String("message_id", msg.ID), zap.String("lane", msg.Lane), zap.Error(err))
		return
	}
	o.tracker.Track(target, msg)
	o.metrics.NodesDispatched.Inc()
	o.metrics.PendingDeliveries.Set(float64(len(o.tracker.Snapshot())))

	c.Send(protocol.Frame{Kind: protocol.KindLaneMessageAck, MessageID: msg.ID})
}

// dropFrame handles an unknown kind or a frame arriving before
// node.register. Logged once per connection to avoid a misbehaving node
// flooding the log.
func (o *Orchestrator) dropFrame(c *transport.Conn, f protocol.Frame) {
	st, ok := o.conns[c]
	if ok && st.warnedMalformed {
		return
	}
	if ok {
		st.warnedMalformed = true
	}
	o.logger.Warn("dropping unhandled frame",
		zap.String("kind", string(f.Kind)), zap.String("remote_addr", c.RemoteAddr))
}

// teardownNode runs the store-side half of the deregister/dead cascade:
// drain tracker, remove from router, remove session, remove from
// registry. Idempotent against an unknown or already-removed nodeID —
// every store's own Remove/DrainForNode is itself a no-op in that case.
func (o *Orchestrator) teardownNode(nodeID string) {
	if nodeID == "" {
		return
	}
	o.tracker.DrainForNode(nodeID)
	o.router.RemoveForNode(nodeID)
	o.sessions.Remove(nodeID)
	o.registry.Remove(nodeID)
	o.metrics.RegistrySize.Set(float64(o.registry.Size()))
	o.metrics.PendingDeliveries.Set(float64(len(o.tracker.Snapshot())))
}

// onNodeDead is wired to both the session manager's timer chain and the
// health monitor's sweep (see DESIGN.md's Open Question note on the two
// independent dead-node paths). Both call this; submit() makes the actual
// teardown run on the loop regardless of which goroutine the callback
// fired on, and the teardown itself is idempotent, so whichever path wins
// the race the other is a harmless no-op.
func (o *Orchestrator) onNodeDead(nodeID string) {
	o.submit(func() {
		o.teardownNode(nodeID)
		if c := o.byNode[nodeID]; c != nil {
			c.Close()
		}
		o.forgetNode(nodeID)
		o.logger.Info("node declared dead", zap.String("node_id", nodeID))
		o.events.fireDead(nodeID)
	})
}

// sendPing is the health monitor's Ping callback: best-effort send of a
// heartbeat.ping frame to a currently-healthy node ahead of the next
// sweep. A missing connection (already torn down) is reported as an error
// so the monitor's failure counter reflects it, but never itself declares
// the node dead — only a second consecutive missed sweep does that.
func (o *Orchestrator) sendPing(nodeID string) error {
	var sendErr error
	o.call(func() {
		c := o.byNode[nodeID]
		if c == nil {
			sendErr = errNodeHasNoConnection
			return
		}
		c.Send(protocol.Frame{Kind: protocol.KindHeartbeatPing, Timestamp: time.Now().Unix()})
	})
	return sendErr
}

func (o *Orchestrator) bindConn(c *transport.Conn, nodeID string) {
	if st, ok := o.conns[c]; ok {
		st.nodeID = nodeID
	}
	o.byNode[nodeID] = c
}

func (o *Orchestrator) forgetNode(nodeID string) {
	if c, ok := o.byNode[nodeID]; ok {
		if st, ok := o.conns[c]; ok {
			st.nodeID = ""
		}
		delete(o.byNode, nodeID)
	}
}

func (o *Orchestrator) nodeIDForConn(c *transport.Conn) string {
	st, ok := o.conns[c]
	if !ok {
		return ""
	}
	return st.nodeID
}
