package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetgate/gateway/internal/auth"
	"github.com/fleetgate/gateway/internal/checkpoint"
	"github.com/fleetgate/gateway/internal/protocol"
	"github.com/fleetgate/gateway/internal/router"
)

const testSecret = "test-secret-value"

func newTestOrchestrator(t *testing.T, store checkpoint.Store, timers *fakeTimerScheduler) *Orchestrator {
	t.Helper()

	o, err := New(Config{
		BotID:               "bot-1",
		NodeTokenSecret:     []byte(testSecret),
		TokenIssuer:         "fleetgate-test",
		HealthSweepInterval: time.Hour, // driven manually via o.health in the tests that need it
	}, Deps{
		Store:  store,
		Logger: zap.NewNop(),
		Timers: timers,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })
	return o
}

// dialNode spins up an httptest server fronting o's transport, dials it,
// and returns the client connection.
func dialNode(t *testing.T, o *Orchestrator) *websocket.Conn {
	t.Helper()

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := o.Transport().Upgrade(w, r); err != nil {
			t.Errorf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func issueToken(t *testing.T, nodeID string) string {
	t.Helper()
	mgr, err := auth.New([]byte(testSecret), "fleetgate-test")
	if err != nil {
		t.Fatalf("auth.New failed: %v", err)
	}
	tok, err := mgr.IssueToken(nodeID)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return tok
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	raw, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return f
}

func registerNode(t *testing.T, o *Orchestrator, conn *websocket.Conn, nodeID string) {
	t.Helper()
	sendFrame(t, conn, protocol.Frame{
		Kind:  protocol.KindNodeRegister,
		NodeID: nodeID,
		Token: issueToken(t, nodeID),
		Capabilities: protocol.Capabilities{
			AgentTypes:     []string{"high", "low"},
			Tools:          []string{"search", "calc"},
			Channels:       []string{"chat", "voice"},
			MaxConcurrency: 8,
		},
	})
	ack := readFrame(t, conn)
	if ack.Kind != protocol.KindNodeRegisterAck || ack.NodeID != nodeID || ack.Reason != "" {
		t.Fatalf("expected clean register ack for %q, got %+v", nodeID, ack)
	}
}

// 1. Happy-path lifecycle: register, heartbeat, bind, deliver, deregister.
func TestHappyPathLifecycle(t *testing.T) {
	var registered, deregistered []string
	o, err := New(Config{BotID: "bot-1", NodeTokenSecret: []byte(testSecret), HealthSweepInterval: time.Hour},
		Deps{Logger: zap.NewNop(), Timers: newFakeTimerScheduler()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	o.OnNodeRegistered(func(id string) { registered = append(registered, id) })
	o.OnNodeDeregistered(func(id string) { deregistered = append(deregistered, id) })
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop()

	conn := dialNode(t, o)
	registerNode(t, o, conn, "agent-1")

	if got := len(o.RegistrySnapshot()); got != 1 {
		t.Fatalf("expected registry size 1, got %d", got)
	}
	if len(registered) != 1 || registered[0] != "agent-1" {
		t.Fatalf("expected onNodeRegistered(agent-1), got %v", registered)
	}

	sendFrame(t, conn, protocol.Frame{Kind: protocol.KindHeartbeatPong})
	time.Sleep(50 * time.Millisecond) // allow the pong to land on the loop
	entry, ok := o.GetRegistry().Get("agent-1")
	if !ok || !entry.IsAlive {
		t.Fatalf("expected agent-1 alive after pong, got %+v ok=%v", entry, ok)
	}

	if err := o.BindChannel("ch-1", "agent-1"); err != nil {
		t.Fatalf("BindChannel failed: %v", err)
	}

	sendFrame(t, conn, protocol.Frame{
		Kind: protocol.KindLaneMessage,
		Message: protocol.LaneMessage{ID: "msg-1", Lane: "steer", ChannelID: "ch-1"},
	})
	ack := readFrame(t, conn)
	if ack.Kind != protocol.KindLaneMessageAck || ack.MessageID != "msg-1" {
		t.Fatalf("expected lane.message.ack for msg-1, got %+v", ack)
	}
	if n := o.GetDeliveryTracker().PendingCount("agent-1"); n != 1 {
		t.Fatalf("expected 1 tracked delivery, got %d", n)
	}

	sendFrame(t, conn, protocol.Frame{Kind: protocol.KindNodeDeregister, NodeID: "agent-1"})
	time.Sleep(50 * time.Millisecond)

	if got := len(o.RegistrySnapshot()); got != 0 {
		t.Fatalf("expected registry size 0 after deregister, got %d", got)
	}
	if len(deregistered) != 1 || deregistered[0] != "agent-1" {
		t.Fatalf("expected onNodeDeregistered(agent-1), got %v", deregistered)
	}
}

// 2. Lane priority drain (P4): drainNode returns steer*, collect*, followup*.
func TestLanePriorityDrainOrder(t *testing.T) {
	o := newTestOrchestrator(t, nil, newFakeTimerScheduler())
	conn := dialNode(t, o)
	registerNode(t, o, conn, "agent-1")
	if err := o.BindChannel("ch-1", "agent-1"); err != nil {
		t.Fatalf("BindChannel failed: %v", err)
	}

	order := []struct{ id, lane string }{
		{"f1", "followup"}, {"s1", "steer"}, {"c1", "collect"}, {"s2", "steer"}, {"c2", "collect"},
	}
	for _, m := range order {
		sendFrame(t, conn, protocol.Frame{
			Kind:    protocol.KindLaneMessage,
			Message: protocol.LaneMessage{ID: m.id, Lane: m.lane, ChannelID: "ch-1"},
		})
		readFrame(t, conn) // ack
	}

	msgs, err := o.DrainNode("agent-1")
	if err != nil {
		t.Fatalf("DrainNode failed: %v", err)
	}
	want := []string{"s1", "s2", "c1", "c2", "f1"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(msgs), msgs)
	}
	for i, w := range want {
		if msgs[i].ID != w {
			t.Fatalf("position %d: expected %q, got %q", i, w, msgs[i].ID)
		}
	}
}

// 3. idle -> suspended -> dead via session timers, independent of the
// health sweep.
func TestIdleSuspendedDeadViaSessionTimers(t *testing.T) {
	timers := newFakeTimerScheduler()
	var dead []string
	o := newTestOrchestrator(t, nil, timers)
	o.OnNodeDead(func(id string) { dead = append(dead, id) })

	conn := dialNode(t, o)
	registerNode(t, o, conn, "agent-1")

	if !timers.Fire(idleTag("agent-1")) {
		t.Fatal("expected an idle timer to be pending after register")
	}
	if !timers.Fire(suspendTag("agent-1")) {
		t.Fatal("expected a suspend timer to be pending after idle fires")
	}
	if !timers.Fire(suspendTag("agent-1")) {
		t.Fatal("expected a second suspend timer (suspended) to be pending")
	}
	time.Sleep(50 * time.Millisecond) // let onNodeDead's submit() land on the loop

	if len(o.RegistrySnapshot()) != 0 {
		t.Fatalf("expected node reaped from registry, still present: %+v", o.RegistrySnapshot())
	}
	if len(dead) != 1 || dead[0] != "agent-1" {
		t.Fatalf("expected onNodeDead(agent-1) exactly once, got %v", dead)
	}
}

// 4. A heartbeat.pong between sweeps/timers keeps a node registered.
func TestPongKeepsNodeAlive(t *testing.T) {
	timers := newFakeTimerScheduler()
	o := newTestOrchestrator(t, nil, timers)
	conn := dialNode(t, o)
	registerNode(t, o, conn, "agent-1")

	if !timers.Fire(idleTag("agent-1")) {
		t.Fatal("expected idle timer pending")
	}

	sendFrame(t, conn, protocol.Frame{Kind: protocol.KindHeartbeatPong})
	time.Sleep(50 * time.Millisecond)

	if timers.Fire(suspendTag("agent-1")) {
		t.Fatal("expected Touch (triggered by pong) to have cancelled the suspend timer")
	}
	if !o.GetRegistry().Has("agent-1") {
		t.Fatal("expected agent-1 still registered")
	}
}

// 7. Isolation (P7): garbage on one connection never perturbs another.
func TestIsolationUnderMalformedFrame(t *testing.T) {
	o := newTestOrchestrator(t, nil, newFakeTimerScheduler())

	connA := dialNode(t, o)
	registerNode(t, o, connA, "agent-a")

	connB := dialNode(t, o)
	if err := connB.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write garbage failed: %v", err)
	}

	if err := o.BindChannel("ch-1", "agent-a"); err != nil {
		t.Fatalf("BindChannel should be unaffected by the other connection's garbage: %v", err)
	}
	if !o.GetRegistry().Has("agent-a") {
		t.Fatal("expected agent-a's registration to survive connB's malformed frame")
	}

	registerNode(t, o, connB, "agent-b")
	if len(o.RegistrySnapshot()) != 2 {
		t.Fatalf("expected connB to still be usable after its malformed frame, registry: %+v", o.RegistrySnapshot())
	}
}

// 6. Checkpoint round-trip (P6); orphan rejection is covered by the next test.
func TestCheckpointRoundTrip(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(t, store, newFakeTimerScheduler())

	conn := dialNode(t, o)
	registerNode(t, o, conn, "agent-1")
	if err := o.BindChannel("ch-1", "agent-1"); err != nil {
		t.Fatalf("BindChannel failed: %v", err)
	}
	sendFrame(t, conn, protocol.Frame{
		Kind: protocol.KindLaneMessage,
		Message: protocol.LaneMessage{ID: "msg-1", Lane: "steer", ChannelID: "ch-1"},
	})
	readFrame(t, conn)

	if err := o.SaveCheckpoint(); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	cp, ok := store.lastSaved()
	if !ok {
		t.Fatal("expected a saved checkpoint")
	}
	if len(cp.RegistryEntries) != 1 || len(cp.ChannelBindings) != 1 || len(cp.PendingDeliveries) != 1 {
		t.Fatalf("unexpected checkpoint shape: %+v", cp)
	}

	restoredStore := &fakeStore{preload: &cp}
	restored := newTestOrchestrator(t, restoredStore, newFakeTimerScheduler())
	if !restored.GetRegistry().Has("agent-1") {
		t.Fatal("expected agent-1 restored from checkpoint")
	}
	if _, ok := restored.GetRouter().GetBinding("ch-1"); !ok {
		t.Fatal("expected channel binding restored from checkpoint")
	}
}

// checkInvariants rejects a checkpoint with an orphaned channel binding
// rather than restoring into an inconsistent state.
func TestCheckpointRestoreRejectsOrphanedBinding(t *testing.T) {
	orphaned := checkpoint.Checkpoint{
		Version: checkpoint.CurrentVersion,
		ChannelBindings: []router.ChannelBinding{
			{ChannelID: "ch-1", NodeID: "ghost-node"},
		},
	}
	store := &fakeStore{preload: &orphaned}
	o := newTestOrchestrator(t, store, newFakeTimerScheduler())

	if len(o.RegistrySnapshot()) != 0 {
		t.Fatalf("expected a clean start after an invariant-violating checkpoint, got %+v", o.RegistrySnapshot())
	}
	if _, ok := o.GetRouter().GetBinding("ch-1"); ok {
		t.Fatal("expected the orphaned channel binding to not have been restored")
	}
}
