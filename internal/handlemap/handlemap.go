// Package handlemap implements the per-connection virtual-to-physical
// transient object map described in spec.md §4.1.
package handlemap

import (
	"bytes"
	"sort"

	"github.com/canonical/go-tpm2"
)

// DefaultQuota is the default per-connection limit on live transient
// HandleMapEntry values, matching spec.md's "typical limit: a small
// constant, e.g. ≤ 27".
const DefaultQuota = 27

// Entry represents one live transient object owned by one connection.
//
// Invariants (spec.md §3): the virtual handle is unique within its
// owning connection's HandleMap; Physical is nonzero only while the
// object is resident in the device; Context is non-empty whenever the
// entry is not currently loaded (Physical == 0).
type Entry struct {
	Virtual  tpm2.Handle
	Physical tpm2.Handle
	Context  []byte
}

// Loaded reports whether the entry currently occupies a device slot.
func (e *Entry) Loaded() bool {
	return e.Physical != 0
}

// Map is the per-connection virtual->physical transient object map. It
// is not safe for concurrent use: spec.md §5's single-writer discipline
// means only the connection's own worker ever touches its Map, so no
// internal locking is needed.
type Map struct {
	entries map[tpm2.Handle]*Entry
	next    tpm2.Handle
	quota   int
}

// New returns an empty Map with the given quota. A quota of 0 selects
// DefaultQuota.
func New(quota int) *Map {
	if quota == 0 {
		quota = DefaultQuota
	}
	return &Map{
		entries: make(map[tpm2.Handle]*Entry),
		next:    tpm2.HandleTypeTransient.BaseHandle(),
		quota:   quota,
	}
}

// Lookup returns the entry for a virtual handle, or nil if absent.
func (m *Map) Lookup(vhandle tpm2.Handle) *Entry {
	return m.entries[vhandle]
}

// Insert adds or replaces the entry for vhandle.
func (m *Map) Insert(vhandle tpm2.Handle, entry *Entry) {
	m.entries[vhandle] = entry
}

// Remove deletes the entry for vhandle, if present.
func (m *Map) Remove(vhandle tpm2.Handle) {
	delete(m.entries, vhandle)
}

// NextVirtualHandle allocates the next virtual handle in the transient
// range. It returns 0 if the monotonic counter would roll over out of
// the transient range, which the caller must treat as device-memory
// exhaustion (spec.md §4.1).
func (m *Map) NextVirtualHandle() tpm2.Handle {
	h := m.next
	if h.Type() != tpm2.HandleTypeTransient {
		return 0
	}
	m.next++
	return h
}

// LookupByContext searches the map for an entry whose saved context
// bytes match ctx exactly, used by the ContextLoad special-case handler
// (spec.md §4.2) to recognize a context the connection previously saved
// itself. Unlike session contexts, object contexts are never shared
// across connections, so this only needs to search the owning
// connection's own map.
func (m *Map) LookupByContext(ctx []byte) *Entry {
	for _, e := range m.entries {
		if bytes.Equal(e.Context, ctx) {
			return e
		}
	}
	return nil
}

// OldestLoaded returns the loaded entry with the smallest virtual
// handle, or nil if none are loaded. Used to pick an eviction candidate
// when the device has no free slot for a handle this connection is
// about to load (spec.md §4.4).
func (m *Map) OldestLoaded() *Entry {
	var oldest *Entry
	for _, e := range m.entries {
		if !e.Loaded() {
			continue
		}
		if oldest == nil || e.Virtual < oldest.Virtual {
			oldest = e
		}
	}
	return oldest
}

// KeysSorted returns the virtual handles currently tracked, in
// ascending numeric order, for stable GetCapability output.
func (m *Map) KeysSorted() []tpm2.Handle {
	keys := make([]tpm2.Handle, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// IsFull reports whether the map holds as many entries as its quota
// allows.
func (m *Map) IsFull() bool {
	return len(m.entries) >= m.quota
}

// Len reports the number of tracked entries.
func (m *Map) Len() int {
	return len(m.entries)
}
