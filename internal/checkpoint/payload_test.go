package checkpoint

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetgate/gateway/internal/delivery"
	"github.com/fleetgate/gateway/internal/protocol"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/router"
	"github.com/fleetgate/gateway/internal/session"
)

func TestPayloadRoundTripPreservesCheckpointShape(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	original := Checkpoint{
		Version:      CurrentVersion,
		CheckpointID: "cp-1",
		CreatedAt:    now,
		RegistryEntries: []registry.Entry{
			{
				NodeID:          "node-1",
				Capabilities:    registry.NewCapabilities([]string{"high"}, []string{"search"}, []string{"chat"}, 8),
				IsAlive:         true,
				RegisteredAt:    now,
				LastHeartbeatAt: now,
			},
		},
		Sessions: []session.Session{
			{NodeID: "node-1", State: session.StateConnected, ConnectedAt: now, LastActivityAt: now},
		},
		ChannelBindings: []router.ChannelBinding{
			{ChannelID: "ch-1", NodeID: "node-1"},
		},
		ConversationBindings: []router.ConversationBinding{
			{ConversationKey: "key-1", NodeID: "node-1", CreatedAt: now, LastActiveAt: now},
		},
		PendingDeliveries: []delivery.PendingDelivery{
			{NodeID: "node-1", Message: protocol.LaneMessage{ID: "msg-1", Lane: "steer", ChannelID: "ch-1", Timestamp: now.Unix()}},
		},
	}

	buf, err := json.Marshal(toPayload(original))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var p payload
	if err := json.Unmarshal(buf, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored := fromPayload(p)

	if restored.CheckpointID != original.CheckpointID {
		t.Fatalf("checkpoint id mismatch: %q vs %q", restored.CheckpointID, original.CheckpointID)
	}
	if len(restored.Sessions) != 1 || restored.Sessions[0].NodeID != "node-1" {
		t.Fatalf("unexpected sessions: %+v", restored.Sessions)
	}
	if len(restored.RegistryEntries) != 1 {
		t.Fatalf("expected 1 registry entry, got %d", len(restored.RegistryEntries))
	}
	if _, ok := restored.RegistryEntries[0].Capabilities.AgentTypes["high"]; !ok {
		t.Fatal("expected capability 'high' preserved")
	}
	if len(restored.ChannelBindings) != 1 || restored.ChannelBindings[0].ChannelID != "ch-1" {
		t.Fatalf("unexpected channel bindings: %+v", restored.ChannelBindings)
	}
	if len(restored.ConversationBindings) != 1 || restored.ConversationBindings[0].ConversationKey != "key-1" {
		t.Fatalf("unexpected conversation bindings: %+v", restored.ConversationBindings)
	}
	if len(restored.PendingDeliveries) != 1 || restored.PendingDeliveries[0].Message.ID != "msg-1" {
		t.Fatalf("unexpected pending deliveries: %+v", restored.PendingDeliveries)
	}
}
