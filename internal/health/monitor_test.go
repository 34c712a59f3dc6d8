package health

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRegistry struct {
	alive   map[string]bool
	removed []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{alive: make(map[string]bool)}
}

func (f *fakeRegistry) AllUnhealthy() []string {
	var out []string
	for id, alive := range f.alive {
		if !alive {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeRegistry) AllHealthy() []string {
	var out []string
	for id, alive := range f.alive {
		if alive {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeRegistry) MarkAlive(nodeID string, alive bool) {
	if _, ok := f.alive[nodeID]; ok {
		f.alive[nodeID] = alive
	}
}

func (f *fakeRegistry) Remove(nodeID string) {
	delete(f.alive, nodeID)
	f.removed = append(f.removed, nodeID)
}

func TestSweepReapsConfirmedDeadNodes(t *testing.T) {
	reg := newFakeRegistry()
	reg.alive["agent-1"] = false // already missed one sweep

	var dead []string
	m, err := New(Deps{
		Registry: reg,
		Interval: time.Hour,
		OnDead:   func(nodeID string) { dead = append(dead, nodeID) },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.SweepOnce()

	if len(dead) != 1 || dead[0] != "agent-1" {
		t.Fatalf("expected onDead(agent-1), got %v", dead)
	}
	if len(reg.removed) != 1 || reg.removed[0] != "agent-1" {
		t.Fatalf("expected agent-1 removed, got %v", reg.removed)
	}
}

func TestSweepMarksHealthyNodesUnhealthyAndPings(t *testing.T) {
	reg := newFakeRegistry()
	reg.alive["agent-1"] = true

	var pinged []string
	m, err := New(Deps{
		Registry: reg,
		Interval: time.Hour,
		Ping: func(nodeID string) error {
			pinged = append(pinged, nodeID)
			return nil
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.SweepOnce()

	if reg.alive["agent-1"] != false {
		t.Fatal("expected agent-1 marked not-alive pending pong")
	}
	if len(pinged) != 1 || pinged[0] != "agent-1" {
		t.Fatalf("expected agent-1 pinged, got %v", pinged)
	}
}

func TestTwoConsecutiveMissedSweepsDeclaresDead(t *testing.T) {
	reg := newFakeRegistry()
	reg.alive["agent-1"] = true

	var dead []string
	m, err := New(Deps{
		Registry: reg,
		Interval: time.Hour,
		OnDead:   func(nodeID string) { dead = append(dead, nodeID) },
		Ping:     func(string) error { return nil },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.SweepOnce() // first sweep: alive -> marked false, pinged
	if len(dead) != 0 {
		t.Fatal("expected no dead declaration on first sweep")
	}

	m.SweepOnce() // second sweep: still false (no pong arrived) -> reaped
	if len(dead) != 1 || dead[0] != "agent-1" {
		t.Fatalf("expected agent-1 declared dead on second miss, got %v", dead)
	}
}

func TestPongBetweenSweepsKeepsNodeAlive(t *testing.T) {
	reg := newFakeRegistry()
	reg.alive["agent-1"] = true

	m, err := New(Deps{
		Registry: reg,
		Interval: time.Hour,
		Ping:     func(string) error { return nil },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.SweepOnce()               // marks false, pings
	reg.MarkAlive("agent-1", true) // simulates the pong handler's activity path

	var dead []string
	m.onDead = func(nodeID string) { dead = append(dead, nodeID) }
	m.SweepOnce() // should treat agent-1 as healthy again, not reap it

	if len(dead) != 0 {
		t.Fatalf("expected node kept alive by intervening pong, got dead=%v", dead)
	}
}

func TestPingFailureDoesNotDeclareDeadImmediately(t *testing.T) {
	reg := newFakeRegistry()
	reg.alive["agent-1"] = true

	var dead []string
	m, err := New(Deps{
		Registry: reg,
		Interval: time.Hour,
		OnDead:   func(nodeID string) { dead = append(dead, nodeID) },
		Ping:     func(string) error { return errors.New("send failed") },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.SweepOnce()
	if len(dead) != 0 {
		t.Fatal("a failed ping send must not itself declare the node dead")
	}
}
