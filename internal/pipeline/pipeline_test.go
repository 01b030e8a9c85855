package pipeline

import (
	"testing"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"

	"github.com/bseazeng/tpm2-abrmd/internal/broker"
	"github.com/bseazeng/tpm2-abrmd/internal/connection"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/rmerrors"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

func newTestPipeline() (*Pipeline, *broker.Fake, *connection.Connection) {
	fake := broker.NewFake()
	p := New(fake, newSessionListForTest(), logging.NewNull())
	conn := connection.New(0)
	return p, fake, conn
}

func TestProcessCreatePrimaryAllocatesVirtualHandle(t *testing.T) {
	p, fake, conn := newTestPipeline()

	var issuedPhysical tpm2.Handle
	fake.Responder = func(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
		issuedPhysical, _ = fake.ContextLoad(nil)
		return wire.MarshalResponsePacket(tpm2.TagNoSessions, tpm2.ResponseCode(tpm2.Success),
			wire.WriteHandles([]tpm2.Handle{issuedPhysical}), nil, nil), nil
	}

	cmd := wire.MarshalCommandPacket(tpm2.CommandCreatePrimary, wire.WriteHandles([]tpm2.Handle{0x40000001}), nil, []byte{0x01, 0x02})
	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	rc, handles, _, _, err := resp.Unmarshal(1)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		t.Fatalf("expected success, got 0x%x", rc)
	}
	decoded, err := wire.ReadHandles(handles)
	if err != nil {
		t.Fatalf("ReadHandles: %v", err)
	}
	if decoded[0].Type() != tpm2.HandleTypeTransient {
		t.Fatalf("expected a virtual transient handle, got 0x%08x", decoded[0])
	}

	entry := conn.Handles.Lookup(decoded[0])
	if entry == nil {
		t.Fatalf("handle %08x not tracked in connection's map", decoded[0])
	}
	if entry.Physical != 0 {
		t.Fatalf("expected the object to be saved back down after the command, got physical %08x", entry.Physical)
	}
	if saved := unmarshalContext(entry.Context); saved.SavedHandle != issuedPhysical {
		t.Fatalf("expected the saved context of physical handle %08x, got %08x", issuedPhysical, saved.SavedHandle)
	}
}

func TestProcessObjectMemoryQuota(t *testing.T) {
	p, fake, conn := newTestPipeline()
	fake.Responder = func(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
		t.Fatalf("broker should not be contacted once quota is full")
		return nil, nil
	}

	for conn.Handles.Len() < 27 {
		vh := conn.Handles.NextVirtualHandle()
		conn.Handles.Insert(vh, entryLoaded(vh))
	}

	cmd := wire.MarshalCommandPacket(tpm2.CommandCreatePrimary, wire.WriteHandles([]tpm2.Handle{0x40000001}), nil, nil)
	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rc, _, _, _, err := resp.Unmarshal(0)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc != rmerrors.ObjectMemory {
		t.Fatalf("expected ObjectMemory, got 0x%x", rc)
	}
}

func TestProcessFlushContextRemovesEntryAndFlushesDevice(t *testing.T) {
	p, fake, conn := newTestPipeline()

	vh := conn.Handles.NextVirtualHandle()
	physical, _ := fake.ContextLoad(nil)
	conn.Handles.Insert(vh, entryLoadedAt(vh, physical))

	cmd := wire.MarshalCommandPacket(tpm2.CommandFlushContext, wire.WriteHandles([]tpm2.Handle{vh}), nil, nil)
	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rc, _, _, _, err := resp.Unmarshal(0)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		t.Fatalf("expected success, got 0x%x", rc)
	}
	if conn.Handles.Lookup(vh) != nil {
		t.Fatalf("entry for %08x should have been removed", vh)
	}
	if fake.Resident(physical) {
		t.Fatalf("physical handle %08x should have been flushed from the device", physical)
	}
}

func TestProcessFlushContextUnknownHandle(t *testing.T) {
	p, _, conn := newTestPipeline()

	cmd := wire.MarshalCommandPacket(tpm2.CommandFlushContext, wire.WriteHandles([]tpm2.Handle{tpm2.HandleTypeTransient.BaseHandle()}), nil, nil)
	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rc, _, _, _, err := resp.Unmarshal(0)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc == tpm2.ResponseCode(tpm2.Success) {
		t.Fatalf("expected an error response for an unknown handle")
	}
}

// TestProcessContextLoadUnknownForwardsToDevice covers spec.md §4.2's
// ContextLoad fall-through: a context the resource manager does not
// recognize is forwarded unchanged rather than answered with a
// synthesized error, since the device itself decides whether to accept
// or reject it.
func TestProcessContextLoadUnknownForwardsToDevice(t *testing.T) {
	p, fake, conn := newTestPipeline()

	forwarded := false
	fake.Responder = func(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
		forwarded = true
		code, err := cmd.CommandCode()
		if err != nil {
			t.Fatalf("CommandCode: %v", err)
		}
		if code != tpm2.CommandContextLoad {
			t.Fatalf("expected ContextLoad to reach the device, got %v", code)
		}
		return wire.MarshalResponsePacket(tpm2.TagNoSessions, tpm2.ResponseCode(tpm2.Success),
			wire.WriteHandles([]tpm2.Handle{tpm2.HandleTypeHMACSession.BaseHandle() + 1}), nil, nil), nil
	}

	unknownContext := &tpm2.Context{SavedHandle: tpm2.HandleTypeHMACSession.BaseHandle() + 1}
	body, err := mu.MarshalToBytes(unknownContext)
	if err != nil {
		t.Fatalf("MarshalToBytes: %v", err)
	}
	cmd := wire.MarshalCommandPacket(tpm2.CommandContextLoad, nil, nil, body)

	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !forwarded {
		t.Fatalf("expected an unrecognized context to be forwarded to the device")
	}
	rc, _, _, _, err := resp.Unmarshal(1)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		t.Fatalf("expected success, got 0x%x", rc)
	}
}

// TestProcessFlushContextSessionForwardsToDevice covers spec.md §4.2's
// FlushContext rule for HMAC/POLICY sessions: the resource manager only
// drops its own SessionEntry and forwards the command unchanged, rather
// than flushing the handle itself and answering with a synthesized
// response.
func TestProcessFlushContextSessionForwardsToDevice(t *testing.T) {
	p, fake, conn := newTestPipeline()

	h := tpm2.HandleTypeHMACSession.BaseHandle() + 1
	p.Sessions.Insert(&session.Entry{Handle: h, Physical: h, Owner: conn.ID, State: session.Loaded})

	forwarded := false
	fake.Responder = func(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
		forwarded = true
		code, err := cmd.CommandCode()
		if err != nil {
			t.Fatalf("CommandCode: %v", err)
		}
		if code != tpm2.CommandFlushContext {
			t.Fatalf("expected FlushContext to reach the device, got %v", code)
		}
		return wire.MarshalResponsePacket(tpm2.TagNoSessions, tpm2.ResponseCode(tpm2.Success), nil, nil, nil), nil
	}

	cmd := wire.MarshalCommandPacket(tpm2.CommandFlushContext, wire.WriteHandles([]tpm2.Handle{h}), nil, nil)
	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !forwarded {
		t.Fatalf("expected FlushContext on a session handle to reach the device")
	}
	rc, _, _, _, err := resp.Unmarshal(0)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		t.Fatalf("expected success, got 0x%x", rc)
	}
	if p.Sessions.Lookup(h) != nil {
		t.Fatalf("expected the SessionEntry to be dropped regardless of the device's response")
	}
}

// TestProcessContextLoadRecognizedSessionDoesNotTouchDevice covers the
// review fix for spec.md §4.2's ContextLoad: a recognized saved context
// is answered from the resource manager's own bookkeeping (state
// SAVED_RM), without ever issuing a device ContextLoad, matching
// scenario 5 and the §8 quiescent invariant that no SessionEntry is
// LOADED between commands.
func TestProcessContextLoadRecognizedSessionDoesNotTouchDevice(t *testing.T) {
	p, fake, conn := newTestPipeline()

	savedCtx := &tpm2.Context{SavedHandle: tpm2.HandleTypeHMACSession.BaseHandle() + 1}
	ctxBytes, err := mu.MarshalToBytes(savedCtx)
	if err != nil {
		t.Fatalf("MarshalToBytes: %v", err)
	}
	e := &session.Entry{
		Handle:  savedCtx.SavedHandle,
		Owner:   conn.ID,
		State:   session.SavedClient,
		Context: ctxBytes,
	}
	p.Sessions.Insert(e)

	fake.Responder = func(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
		t.Fatalf("device should not be contacted for a recognized saved context")
		return nil, nil
	}

	body, err := mu.MarshalToBytes(savedCtx)
	if err != nil {
		t.Fatalf("MarshalToBytes: %v", err)
	}
	cmd := wire.MarshalCommandPacket(tpm2.CommandContextLoad, nil, nil, body)

	resp, err := p.Process(conn, cmd)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rc, handles, _, _, err := resp.Unmarshal(1)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		t.Fatalf("expected success, got 0x%x", rc)
	}
	decoded, err := wire.ReadHandles(handles)
	if err != nil {
		t.Fatalf("ReadHandles: %v", err)
	}
	if decoded[0] != e.Handle {
		t.Fatalf("expected the response to return the session's own handle 0x%08x, got 0x%08x", e.Handle, decoded[0])
	}
	if fake.ContextLoadCalls != 0 {
		t.Fatalf("expected no device ContextLoad calls, got %d", fake.ContextLoadCalls)
	}
	if e.State != session.SavedRM {
		t.Fatalf("expected state SAVED_RM, got %v", e.State)
	}
	if e.Physical != 0 {
		t.Fatalf("expected the entry to remain un-resident, got physical 0x%08x", e.Physical)
	}
}

// TestResolveHandleUnknownSessionForwardsUnchanged covers spec.md §4.5:
// a handle-area session handle this resource manager has no record of
// is forwarded unchanged rather than answered with a synthesized error,
// leaving the device to reject it.
func TestResolveHandleUnknownSessionForwardsUnchanged(t *testing.T) {
	p, fake, conn := newTestPipeline()

	h := tpm2.HandleTypeHMACSession.BaseHandle() + 7
	forwardedHandle := tpm2.Handle(0)
	fake.Responder = func(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
		handles, _, _, err := cmd.Unmarshal(1)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		decoded, err := wire.ReadHandles(handles)
		if err != nil {
			t.Fatalf("ReadHandles: %v", err)
		}
		forwardedHandle = decoded[0]
		return wire.MarshalErrorResponse(rmerrors.ComposeParam1HandleError()), nil
	}

	cmd := wire.MarshalCommandPacket(tpm2.CommandUnseal, wire.WriteHandles([]tpm2.Handle{h}), nil, nil)
	if _, err := p.Process(conn, cmd); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if forwardedHandle != h {
		t.Fatalf("expected the unknown session handle 0x%08x to be forwarded unchanged, device saw 0x%08x", h, forwardedHandle)
	}
}
