package checkpoint

import (
	"fmt"

	"github.com/fleetgate/gateway/internal/session"
)

// Violation names a single broken cross-store invariant along with a
// human-readable detail.
type Violation struct {
	Rule    string
	Details string
}

// Result is checkInvariants' return value.
type Result struct {
	Valid      bool
	Violations []Violation
}

const (
	RuleSessionRegistryMismatch = "session-registry-mismatch"
	RuleConversationOrphan      = "conversation-orphan"
	RuleChannelOrphan           = "channel-orphan"
	RuleDeliveryOrphan          = "delivery-orphan"
	RuleSessionStateInvalid     = "session-state-invalid"
)

var validStates = map[session.State]struct{}{
	session.StateConnected:    {},
	session.StateIdle:         {},
	session.StateSuspended:    {},
	session.StateDisconnected: {},
}

// CheckInvariants validates a candidate checkpoint against the five
// cross-store rules. It is pure and side-effect free — callers decide what
// to do with a non-valid Result (reject a restore, refuse a save).
func CheckInvariants(cp Checkpoint) Result {
	var violations []Violation

	registeredNodes := make(map[string]struct{}, len(cp.RegistryEntries))
	for _, e := range cp.RegistryEntries {
		registeredNodes[e.NodeID] = struct{}{}
	}

	sessionNodes := make(map[string]struct{}, len(cp.Sessions))
	for _, s := range cp.Sessions {
		sessionNodes[s.NodeID] = struct{}{}

		if _, ok := validStates[s.State]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleSessionStateInvalid,
				Details: fmt.Sprintf("session for node %q has invalid state %q", s.NodeID, s.State),
			})
		}
	}

	// Exactly one session per registered node: every session must
	// have a registry entry and vice versa.
	for nodeID := range sessionNodes {
		if _, ok := registeredNodes[nodeID]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleSessionRegistryMismatch,
				Details: fmt.Sprintf("session for node %q has no matching registry entry", nodeID),
			})
		}
	}
	for nodeID := range registeredNodes {
		if _, ok := sessionNodes[nodeID]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleSessionRegistryMismatch,
				Details: fmt.Sprintf("registry entry for node %q has no matching session", nodeID),
			})
		}
	}

	for _, b := range cp.ConversationBindings {
		if _, ok := registeredNodes[b.NodeID]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleConversationOrphan,
				Details: fmt.Sprintf("conversation binding %q references unknown node %q", b.ConversationKey, b.NodeID),
			})
		}
	}

	for _, b := range cp.ChannelBindings {
		if _, ok := registeredNodes[b.NodeID]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleChannelOrphan,
				Details: fmt.Sprintf("channel binding %q references unknown node %q", b.ChannelID, b.NodeID),
			})
		}
	}

	for _, d := range cp.PendingDeliveries {
		if _, ok := registeredNodes[d.NodeID]; !ok {
			violations = append(violations, Violation{
				Rule:    RuleDeliveryOrphan,
				Details: fmt.Sprintf("pending delivery %q references unknown node %q", d.Message.ID, d.NodeID),
			})
		}
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}
