// Package protocol implements the tagged frame envelope exchanged between
// the gateway and each connected node over a single bidirectional byte
// stream. Every frame carries a mandatory Kind discriminator plus
// kind-specific fields; Decode is total and never terminates the process —
// malformed input yields an error value, never a panic.
package protocol

import "encoding/json"

// Kind identifies the shape of a Frame's payload.
type Kind string

const (
	KindNodeRegister    Kind = "node.register"
	KindNodeRegisterAck Kind = "node.register.ack"
	KindNodeDeregister  Kind = "node.deregister"
	KindHeartbeatPing   Kind = "heartbeat.ping"
	KindHeartbeatPong   Kind = "heartbeat.pong"
	KindLaneMessage     Kind = "lane.message"
	KindLaneMessageAck  Kind = "lane.message.ack"
)

// Capabilities mirrors the data model's Capabilities record. Sets are
// represented as string slices on the wire; callers normalize to sets on
// the registry side.
type Capabilities struct {
	AgentTypes     []string `json:"agentTypes"`
	Tools          []string `json:"tools"`
	Channels       []string `json:"channels"`
	MaxConcurrency int      `json:"maxConcurrency"`
}

// RoutingContext mirrors the data model's optional routing context carried
// on a LaneMessage that expects scoped conversation binding.
type RoutingContext struct {
	PeerID      string `json:"peerId"`
	MessageType string `json:"messageType"`
}

// LaneMessage mirrors the data model's LaneMessage record.
type LaneMessage struct {
	ID             string          `json:"id"`
	Lane           string          `json:"lane"`
	ChannelID      string          `json:"channelId"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	RoutingContext *RoutingContext `json:"routingContext,omitempty"`
}

// Frame is the envelope carried over the wire. Exactly one of the typed
// fields is populated, selected by Kind. Untyped/unknown kinds decode with
// Kind set and all typed fields left at their zero value — the orchestrator
// treats those as "drop, log once" per spec.
type Frame struct {
	Kind Kind `json:"kind"`

	// node.register / node.register.ack / node.deregister
	NodeID       string       `json:"nodeId,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
	Token        string       `json:"token,omitempty"`
	Reason       string       `json:"reason,omitempty"`

	// heartbeat.ping / heartbeat.pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// lane.message
	Message LaneMessage `json:"message,omitempty"`

	// lane.message.ack
	MessageID string `json:"messageId,omitempty"`
}

// Encode serializes f as a self-describing JSON record. It never fails for
// a well-formed Frame built by this package.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses raw bytes into a Frame. It is total: malformed input
// (invalid JSON, missing kind) returns a zero Frame and a non-nil error,
// and never panics. Callers must treat a decode error as "drop this frame,
// keep the connection".
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &DecodeError{Cause: err}
	}
	if f.Kind == "" {
		return Frame{}, &DecodeError{Cause: errMissingKind}
	}
	return f, nil
}

var errMissingKind = jsonError("frame missing required \"kind\" field")

type jsonError string

func (e jsonError) Error() string { return string(e) }

// DecodeError wraps any failure encountered while decoding a frame. It is
// always non-fatal to the connection it came from.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return "protocol: decode frame: " + e.Cause.Error() }
func (e *DecodeError) Unwrap() error { return e.Cause }
