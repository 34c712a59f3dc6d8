package gateway

import (
	"sync"

	"go.uber.org/zap"
)

// eventBus fans out the orchestrator's three lifecycle events:
// onNodeRegistered, onNodeDeregistered, onNodeDead. Handlers always
// run on the command loop, in registration order; a handler that panics
// is recovered and logged so the remaining handlers still run — one
// misbehaving handler must not prevent the others from running.
type eventBus struct {
	mu             sync.Mutex
	onRegistered   []func(nodeID string)
	onDeregistered []func(nodeID string)
	onDead         []func(nodeID string)
	logger         *zap.Logger
}

func newEventBus(logger *zap.Logger) *eventBus {
	return &eventBus{logger: logger.Named("events")}
}

// OnNodeRegistered subscribes fn to every future node.register success.
func (b *eventBus) OnNodeRegistered(fn func(nodeID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRegistered = append(b.onRegistered, fn)
}

// OnNodeDeregistered subscribes fn to every future clean or close-implied
// deregistration.
func (b *eventBus) OnNodeDeregistered(fn func(nodeID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeregistered = append(b.onDeregistered, fn)
}

// OnNodeDead subscribes fn to every future dead-node declaration, whichever
// of the two independent detection paths (session timers, health sweep)
// reaches it first.
func (b *eventBus) OnNodeDead(fn func(nodeID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDead = append(b.onDead, fn)
}

func (b *eventBus) fireRegistered(nodeID string)   { b.fire("onNodeRegistered", b.snapshot(&b.onRegistered), nodeID) }
func (b *eventBus) fireDeregistered(nodeID string) { b.fire("onNodeDeregistered", b.snapshot(&b.onDeregistered), nodeID) }
func (b *eventBus) fireDead(nodeID string)         { b.fire("onNodeDead", b.snapshot(&b.onDead), nodeID) }

func (b *eventBus) snapshot(handlers *[]func(string)) []func(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]func(string), len(*handlers))
	copy(out, *handlers)
	return out
}

func (b *eventBus) fire(name string, handlers []func(string), nodeID string) {
	for _, h := range handlers {
		b.invoke(name, h, nodeID)
	}
}

func (b *eventBus) invoke(name string, h func(string), nodeID string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked, continuing with remaining handlers",
				zap.String("event", name), zap.String("node_id", nodeID), zap.Any("recovered", r))
		}
	}()
	h(nodeID)
}
