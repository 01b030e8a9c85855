// Package connection models the per-client identity and transient
// handle map described in spec.md §3. The connection manager and
// connection lifetime themselves are external collaborators (spec.md
// §1); this package only holds what the core needs from a connection:
// a stable identity and an embedded handlemap.Map.
package connection

import (
	"github.com/google/uuid"

	"github.com/bseazeng/tpm2-abrmd/internal/handlemap"
)

// Connection is a stable identity for one client, plus the transient
// object map that belongs to it. Session ownership is tracked
// separately in session.List, keyed by the same ID, to avoid the
// cyclic reference between a SessionEntry and its owning Connection
// (spec.md §9): the ID is a value, not a pointer back into this
// struct, so a Connection can be discarded independently of any
// session bookkeeping that still names its ID.
type Connection struct {
	ID      uuid.UUID
	Handles *handlemap.Map
}

// New creates a Connection with a fresh identity and an empty transient
// handle map sized to quota (0 selects handlemap.DefaultQuota).
func New(quota int) *Connection {
	return &Connection{
		ID:      uuid.New(),
		Handles: handlemap.New(quota),
	}
}
