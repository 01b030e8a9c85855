package session

import (
	"bytes"
	"sync"

	"github.com/canonical/go-tpm2"
	"github.com/google/uuid"
)

// AbandonmentBound is the maximum number of SavedClientClosed sessions
// held in the abandonment FIFO, per spec.md §3/§6.
const AbandonmentBound = 4

// DefaultQuota is the default per-connection limit on sessions a single
// connection may own, mirroring handlemap.DefaultQuota.
const DefaultQuota = 27

// VisitAction is returned by a List.Visit callback to say what should
// happen to the entry just examined. Applying the action after the
// walk (rather than mutating the list mid-iteration) avoids the
// reentrancy hazard spec.md §9 calls out for callback-based iteration
// over a list that the callback itself may need to mutate.
type VisitAction int

const (
	// Keep leaves the entry untouched.
	Keep VisitAction = iota
	// Remove deletes the entry from the list outright.
	Remove
	// Abandon moves the entry into the abandonment FIFO (only valid
	// from SavedClient; List.Abandon sets State to SavedClientClosed).
	Abandon
)

// List is the process-wide registry of all sessions across all
// connections, plus the bounded abandonment FIFO. Unlike handlemap.Map,
// List is shared by every connection's worker, so every method takes
// an explicit lock (spec.md §5: "the inbound queue is the only
// primitive requiring internal locking" describes the queue; the
// SessionList is the other structure touched from more than one
// worker, via connection teardown and cross-connection ContextLoad
// claims, so it needs the same discipline).
type List struct {
	mu         sync.Mutex
	entries    map[tpm2.Handle]*Entry
	abandoned  []*Entry // oldest first
	quotaByOwn int
}

// New returns an empty session List. quota is the per-connection
// session limit; 0 selects DefaultQuota.
func New(quota int) *List {
	if quota == 0 {
		quota = DefaultQuota
	}
	return &List{
		entries:    make(map[tpm2.Handle]*Entry),
		quotaByOwn: quota,
	}
}

// Insert adds a new session entry, keyed by its handle.
func (l *List) Insert(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.Handle] = e
}

// Remove deletes the entry for handle from the live list (not the
// abandonment FIFO).
func (l *List) Remove(handle tpm2.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, handle)
}

// Lookup returns the live (non-abandoned) entry for handle, or nil.
func (l *List) Lookup(handle tpm2.Handle) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[handle]
}

// LookupByContext searches both the live list and the abandonment FIFO
// for an entry whose saved context bytes match ctx exactly, as used by
// the ContextLoad special-case handler (spec.md §4.2).
func (l *List) LookupByContext(ctx []byte) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if bytes.Equal(e.Context, ctx) {
			return e
		}
	}
	for _, e := range l.abandoned {
		if bytes.Equal(e.Context, ctx) {
			return e
		}
	}
	return nil
}

// IsFullForOwner reports whether owner already holds as many sessions
// as its quota allows.
func (l *List) IsFullForOwner(owner uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if e.Owner == owner {
			n++
		}
	}
	return n >= l.quotaByOwn
}

// Abandon moves the live entry for handle into the abandonment FIFO,
// setting its state to SavedClientClosed. If the FIFO now exceeds
// AbandonmentBound, the oldest entry is evicted and returned so the
// caller can flush it from the device; otherwise it returns nil.
func (l *List) Abandon(handle tpm2.Handle) (evicted *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[handle]
	if !ok {
		return nil
	}
	delete(l.entries, handle)
	e.State = SavedClientClosed
	l.abandoned = append(l.abandoned, e)

	if len(l.abandoned) > AbandonmentBound {
		evicted = l.abandoned[0]
		l.abandoned = l.abandoned[1:]
	}
	return evicted
}

// Claim transfers ownership of an abandoned session to newOwner,
// removing it from the abandonment FIFO and reinserting it into the
// live list. It fails (ok == false) if handle is not currently in the
// abandonment FIFO, matching spec.md §4.2/§8: "ownership transfer
// succeeds iff the corresponding SessionEntry is in the abandonment
// FIFO at the moment of the request".
func (l *List) Claim(handle tpm2.Handle, newOwner uuid.UUID) (e *Entry, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, a := range l.abandoned {
		if a.Handle == handle {
			l.abandoned = append(l.abandoned[:i], l.abandoned[i+1:]...)
			a.Owner = newOwner
			l.entries[handle] = a
			return a, true
		}
	}
	return nil, false
}

// PruneOldestAbandoned removes and returns the single oldest
// abandoned entry, or nil if the FIFO is empty. Connection teardown
// does not call it: Abandon already evicts the oldest entry when the
// FIFO grows past AbandonmentBound.
func (l *List) PruneOldestAbandoned() *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.abandoned) == 0 {
		return nil
	}
	e := l.abandoned[0]
	l.abandoned = l.abandoned[1:]
	return e
}

// AbandonedLen reports the current size of the abandonment FIFO.
func (l *List) AbandonedLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.abandoned)
}

// Visitor examines an entry and reports what should happen to it.
type Visitor func(e *Entry) VisitAction

// VisitOwnedBy walks a snapshot of the entries owned by owner,
// applying each returned VisitAction after the walk completes. This is
// the mutation-safe iteration primitive spec.md §9 asks for: the
// visitor may decide to Abandon or Remove an entry without invalidating
// the snapshot it is iterating over. It returns every entry evicted
// from the abandonment FIFO as a side effect of an Abandon action
// during this walk, so the caller can flush them from the device.
func (l *List) VisitOwnedBy(owner uuid.UUID, visit Visitor) []*Entry {
	l.mu.Lock()
	snapshot := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Owner == owner {
			snapshot = append(snapshot, e)
		}
	}
	l.mu.Unlock()

	var evicted []*Entry
	for _, e := range snapshot {
		switch visit(e) {
		case Keep:
		case Remove:
			l.Remove(e.Handle)
		case Abandon:
			if ev := l.Abandon(e.Handle); ev != nil {
				evicted = append(evicted, ev)
			}
		}
	}
	return evicted
}
