// Package session implements the process-wide session registry and
// state machine described in spec.md §3 and §4.3.
package session

import (
	"github.com/canonical/go-tpm2"
	"github.com/google/uuid"
)

// State is a SessionEntry's position in the state machine of spec.md
// §4.3.
type State int

const (
	// Loaded means the session currently occupies a device slot.
	Loaded State = iota
	// SavedRM means the resource manager holds the saved context and
	// may reload it transparently whenever the handle is next used.
	SavedRM
	// SavedClient means the client explicitly saved the session via
	// ContextSave and is expected to ContextLoad it back itself.
	SavedClient
	// SavedClientClosed means the owning connection closed while the
	// session was SavedClient; the entry has been moved into the
	// abandonment FIFO awaiting a claim or a prune.
	SavedClientClosed
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "LOADED"
	case SavedRM:
		return "SAVED_RM"
	case SavedClient:
		return "SAVED_CLIENT"
	case SavedClientClosed:
		return "SAVED_CLIENT_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one TPM session tracked by the resource manager. Handle is
// the stable, client-visible session handle returned by
// TPM2_StartAuthSession; Physical is the handle the device currently
// knows the session by while it is resident, which need not equal
// Handle after a save/reload cycle reassigns a different device slot.
//
// Invariant (spec.md §4.3): Context is non-empty iff State is one of
// SavedRM, SavedClient, SavedClientClosed; Physical is nonzero iff
// State is Loaded.
type Entry struct {
	Handle   tpm2.Handle
	Physical tpm2.Handle
	Owner    uuid.UUID
	Context  []byte
	State    State
}

// Loaded reports whether the entry currently occupies a device slot.
func (e *Entry) Loaded() bool {
	return e.State == Loaded
}
