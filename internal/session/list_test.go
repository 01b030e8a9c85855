package session

import (
	"testing"

	"github.com/canonical/go-tpm2"
	"github.com/google/uuid"
)

func TestAbandonAndClaim(t *testing.T) {
	l := New(0)
	owner := uuid.New()
	e := &Entry{Handle: 0x02000001, Owner: owner, Context: []byte("ctx"), State: SavedClient}
	l.Insert(e)

	if evicted := l.Abandon(e.Handle); evicted != nil {
		t.Fatalf("expected no eviction with a single abandoned entry, got %v", evicted)
	}
	if l.Lookup(e.Handle) != nil {
		t.Errorf("abandoned entry should no longer be in the live list")
	}
	if e.State != SavedClientClosed {
		t.Errorf("expected state SavedClientClosed, got %v", e.State)
	}

	newOwner := uuid.New()
	claimed, ok := l.Claim(e.Handle, newOwner)
	if !ok {
		t.Fatalf("expected claim to succeed while entry is abandoned")
	}
	if claimed.Owner != newOwner {
		t.Errorf("expected ownership transfer to %v, got %v", newOwner, claimed.Owner)
	}
	if l.AbandonedLen() != 0 {
		t.Errorf("expected abandonment FIFO to be empty after claim")
	}
	if l.Lookup(e.Handle) == nil {
		t.Errorf("claimed entry should be back in the live list")
	}
}

func TestClaimFailsWhenNotAbandoned(t *testing.T) {
	l := New(0)
	owner := uuid.New()
	e := &Entry{Handle: 0x02000001, Owner: owner, State: Loaded}
	l.Insert(e)

	if _, ok := l.Claim(e.Handle, uuid.New()); ok {
		t.Errorf("expected claim to fail for a live (non-abandoned) session")
	}
}

func TestAbandonmentFIFOBound(t *testing.T) {
	l := New(0)
	var handles []tpm2.Handle
	for i := 0; i < 5; i++ {
		h := tpm2.Handle(0x02000000 + i)
		handles = append(handles, h)
		l.Insert(&Entry{Handle: h, State: SavedClient, Context: []byte{byte(i)}})
	}

	var evictedHandles []tpm2.Handle
	for _, h := range handles {
		if evicted := l.Abandon(h); evicted != nil {
			evictedHandles = append(evictedHandles, evicted.Handle)
		}
	}

	if l.AbandonedLen() != AbandonmentBound {
		t.Fatalf("expected FIFO to hold exactly %d entries, got %d", AbandonmentBound, l.AbandonedLen())
	}
	if len(evictedHandles) != 1 || evictedHandles[0] != handles[0] {
		t.Errorf("expected the oldest entry (%v) to be evicted, got %v", handles[0], evictedHandles)
	}
}

func TestLookupByContext(t *testing.T) {
	l := New(0)
	e := &Entry{Handle: 0x02000001, Context: []byte("abc123"), State: SavedRM}
	l.Insert(e)

	if got := l.LookupByContext([]byte("abc123")); got != e {
		t.Fatalf("expected to find entry by context bytes")
	}
	if got := l.LookupByContext([]byte("nope")); got != nil {
		t.Errorf("expected no match for unrelated context bytes, got %v", got)
	}
}

func TestVisitOwnedByAbandonDuringWalk(t *testing.T) {
	l := New(0)
	owner := uuid.New()
	other := uuid.New()

	for i := 0; i < 3; i++ {
		l.Insert(&Entry{Handle: tpm2.Handle(0x02000000 + i), Owner: owner, State: SavedClient, Context: []byte{byte(i)}})
	}
	l.Insert(&Entry{Handle: 0x02000099, Owner: other, State: Loaded})

	l.VisitOwnedBy(owner, func(e *Entry) VisitAction {
		e.State = SavedClientClosed
		return Abandon
	})

	if l.AbandonedLen() != 3 {
		t.Fatalf("expected 3 entries abandoned, got %d", l.AbandonedLen())
	}
	if l.Lookup(0x02000099) == nil {
		t.Errorf("other connection's session must be untouched")
	}
}
