// Package checkpoint implements point-in-time capture, cross-store
// invariant checking, and restore of the gateway's state stores.
package checkpoint

import (
	"time"

	"github.com/fleetgate/gateway/internal/delivery"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/router"
	"github.com/fleetgate/gateway/internal/session"
)

// Checkpoint is a frozen snapshot of the registry, session manager, router,
// and delivery tracker. RegistryEntries is carried alongside Sessions so
// that restore can repopulate the registry with each node's capabilities —
// without it, registry.InsertAll on restart would have nothing to insert,
// since capabilities aren't derivable from a Session alone.
type Checkpoint struct {
	Version              int
	CheckpointID         string
	CreatedAt            time.Time
	RegistryEntries      []registry.Entry
	Sessions             []session.Session
	ConversationBindings []router.ConversationBinding
	ChannelBindings      []router.ChannelBinding
	PendingDeliveries    []delivery.PendingDelivery
}

// CurrentVersion is stamped onto every checkpoint captured by this build.
const CurrentVersion = 1

// Store is the external persistence collaborator: storage
// format is opaque to the orchestrator, the only requirement is
// round-trip fidelity of the Checkpoint record.
type Store interface {
	Save(cp Checkpoint) error
	// Load returns the most recently saved checkpoint. ok is false if none
	// has ever been saved.
	Load() (cp Checkpoint, ok bool, err error)
}
