// Package pipeline implements the per-command processing core of the
// resource manager: special-case interception (spec.md §4.2), quota
// enforcement, virtual/physical handle translation and the load/save
// bookkeeping that keeps both in sync (spec.md §4.4, §4.5).
package pipeline

import (
	"github.com/canonical/go-tpm2"

	"github.com/bseazeng/tpm2-abrmd/internal/broker"
	"github.com/bseazeng/tpm2-abrmd/internal/connection"
	"github.com/bseazeng/tpm2-abrmd/internal/handlemap"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/rmerrors"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// Pipeline is the stateless-per-call processor a connection's worker
// drives for every dequeued command. It is not safe for concurrent use
// from more than one goroutine at a time for a given Connection's
// HandleMap, matching the single-writer discipline of spec.md §5; the
// Sessions list is shared and locks internally.
type Pipeline struct {
	Broker   broker.AccessBroker
	Sessions *session.List
	Log      logging.Logger
}

// New returns a Pipeline wired to the given broker and process-wide
// session list.
func New(b broker.AccessBroker, sessions *session.List, log logging.Logger) *Pipeline {
	return &Pipeline{Broker: b, Sessions: sessions, Log: log}
}

// objectAllocating and sessionAllocating list the commands that create
// a new transient object or session handle (spec.md §4.1, §4.3).
var objectAllocating = map[tpm2.CommandCode]bool{
	tpm2.CommandCreatePrimary: true,
	tpm2.CommandLoad:          true,
	tpm2.CommandLoadExternal:  true,
}

var sessionAllocating = map[tpm2.CommandCode]bool{
	tpm2.CommandStartAuthSession: true,
}

// Process runs one command through the full pipeline and returns the
// response packet to send back to the client. Access-broker failures
// are reported to the client as a synthesized DeviceFailure response,
// not as a Go error (spec.md §7's "device error" category); an error
// return here means the command packet itself was malformed and the
// caller should treat the connection as broken.
func (p *Pipeline) Process(conn *connection.Connection, cmd wire.CommandPacket) (wire.ResponsePacket, error) {
	code, err := cmd.CommandCode()
	if err != nil {
		return nil, err
	}

	if resp, handled, err := p.special(conn, code, cmd); handled {
		return resp, err
	}

	if objectAllocating[code] && conn.Handles.IsFull() {
		return wire.MarshalErrorResponse(rmerrors.ObjectMemory), nil
	}
	if sessionAllocating[code] && p.Sessions.IsFullForOwner(conn.ID) {
		return wire.MarshalErrorResponse(rmerrors.SessionMemory), nil
	}

	meta := metaFor(code)
	rawHandles, authArea, params, err := cmd.Unmarshal(meta.CommandHandles)
	if err != nil {
		return nil, err
	}
	virtualHandles, err := wire.ReadHandles(rawHandles)
	if err != nil {
		return nil, err
	}

	var touchedObjects []*handlemap.Entry
	var touchedSessions []*session.Entry

	physicalHandles := make([]tpm2.Handle, len(virtualHandles))
	for i, h := range virtualHandles {
		physical, resp := p.resolveHandle(conn, h)
		if resp != nil {
			return resp, nil
		}
		physicalHandles[i] = physical

		if isSessionHandle(h) {
			if e := p.Sessions.Lookup(h); e != nil {
				touchedSessions = append(touchedSessions, e)
			}
		} else if entry := conn.Handles.Lookup(h); entry != nil {
			touchedObjects = append(touchedObjects, entry)
		}
	}

	outgoing := wire.MarshalCommandPacket(code, wire.WriteHandles(physicalHandles), authArea, params)
	resp, err := p.Broker.SendCommand(outgoing)
	if err != nil {
		p.saveBackDown(conn, false, touchedObjects, touchedSessions)
		return deviceFailureResponse(), nil
	}

	rc, rawRespHandles, respParams, respAuth, err := resp.Unmarshal(meta.ResponseHandles)
	if err != nil {
		p.saveBackDown(conn, false, touchedObjects, touchedSessions)
		return deviceFailureResponse(), nil
	}
	respTag := tpm2.TagNoSessions
	if len(authArea) > 0 {
		respTag = tpm2.TagSessions
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		// The device only flushes handles as a side effect of a
		// successful call, so a failing command leaves every touched
		// entry exactly as resident as it was before (spec.md §4.4 step
		// 9's FLUSHED handling does not apply here).
		p.saveBackDown(conn, false, touchedObjects, touchedSessions)
		return wire.MarshalErrorResponse(rc), nil
	}

	var final wire.ResponsePacket
	if meta.ResponseHandles == 0 {
		final = wire.MarshalResponsePacket(respTag, rc, nil, respParams, respAuth)
	} else {
		physicalOut, err := wire.ReadHandles(rawRespHandles)
		if err != nil {
			return nil, err
		}
		clientHandles := make([]tpm2.Handle, len(physicalOut))
		for i, physical := range physicalOut {
			newEntry, newSession, vh := p.registerNewHandle(conn, physical)
			clientHandles[i] = vh
			if newEntry != nil {
				touchedObjects = append(touchedObjects, newEntry)
			}
			if newSession != nil {
				touchedSessions = append(touchedSessions, newSession)
			}
		}
		final = wire.MarshalResponsePacket(respTag, rc, wire.WriteHandles(clientHandles), respParams, respAuth)
	}

	// Steps 8-9 (spec.md §4.4): every session and transient object
	// touched while processing this command is saved back out of the
	// device immediately, so the next command starts from the same
	// "everything idle is saved" baseline. The response above is already
	// built, matching the ordering guarantee that the client-visible
	// response never depends on this cleanup succeeding.
	p.saveBackDown(conn, meta.Flushed, touchedObjects, touchedSessions)
	return final, nil
}

// saveBackDown implements steps 8 and 9 of spec.md §4.4: every session
// and transient object this command loaded is saved and flushed from the
// device again before the worker moves on to the next command. Failures
// are not client-visible; they only cost the entry its tracking: a
// session whose save fails is flushed from the device and removed from
// session.List (spec.md §4.4 step 8), and an object whose save fails is
// removed from the connection's HandleMap. flushed is true only for a command
// whose FLUSHED attribute means the device has already removed any
// touched transient objects as a side effect of succeeding, in which
// case step 9 just drops the HandleMap entries instead of trying to
// save a handle the device no longer has.
func (p *Pipeline) saveBackDown(conn *connection.Connection, flushed bool, objects []*handlemap.Entry, sessions []*session.Entry) {
	for _, e := range sessions {
		if e.State != session.Loaded {
			continue
		}
		ctx, err := p.Broker.ContextSaveFlush(e.Physical)
		if err != nil {
			p.Log.Warnf("tpm2-abrmd: failed to save session 0x%08x, dropping: %v", e.Handle, err)
			if flushErr := p.Broker.ContextFlush(e.Physical); flushErr != nil {
				p.Log.Warnf("tpm2-abrmd: failed to flush session 0x%08x: %v", e.Handle, flushErr)
			}
			p.Sessions.Remove(e.Handle)
			continue
		}
		e.Context = marshalContext(ctx)
		e.Physical = 0
		e.State = session.SavedRM
	}

	for _, e := range objects {
		if !e.Loaded() {
			continue
		}
		if flushed {
			conn.Handles.Remove(e.Virtual)
			continue
		}
		ctx, err := p.Broker.ContextSaveFlush(e.Physical)
		if err != nil {
			p.Log.Warnf("tpm2-abrmd: failed to save object 0x%08x, dropping: %v", e.Virtual, err)
			conn.Handles.Remove(e.Virtual)
			continue
		}
		e.Context = marshalContext(ctx)
		e.Physical = 0
	}
}

// resolveHandle translates a virtual handle supplied by the client into
// the physical handle to place on the wire to the device, loading its
// context first if it is not currently resident (spec.md §4.5). A
// non-nil response means the caller should return it to the client
// immediately instead of forwarding anything to the device.
func (p *Pipeline) resolveHandle(conn *connection.Connection, h tpm2.Handle) (tpm2.Handle, wire.ResponsePacket) {
	switch {
	case isSessionHandle(h):
		e := p.Sessions.Lookup(h)
		if e == nil {
			p.Log.Warnf("tpm2-abrmd: unknown session handle 0x%08x, forwarding unchanged", h)
			return h, nil
		}
		if e.Owner != conn.ID {
			p.Log.Errorf("tpm2-abrmd: session handle 0x%08x owned by a different connection, forwarding unchanged", h)
			return h, nil
		}
		if e.Loaded() {
			return e.Physical, nil
		}
		physical, err := p.loadSessionWithEviction(conn, e)
		if err != nil {
			return 0, deviceFailureResponse()
		}
		return physical, nil

	case h.Type() == tpm2.HandleTypeTransient:
		entry := conn.Handles.Lookup(h)
		if entry == nil {
			return 0, unknownHandleResponse()
		}
		if entry.Loaded() {
			return entry.Physical, nil
		}
		physical, err := p.loadObjectWithEviction(conn, entry)
		if err != nil {
			return 0, deviceFailureResponse()
		}
		return physical, nil

	default:
		// Permanent handles, PCRs, NV indices and the like are never
		// multiplexed; they pass through unchanged.
		return h, nil
	}
}

// loadObjectWithEviction loads entry's saved context, freeing this
// connection's own oldest resident object and retrying once if the
// first attempt fails. Real device memory pressure is reported by the
// device itself; this connection-local retry is the resource manager's
// only recourse since it has no visibility into other connections'
// residency (see DESIGN.md).
func (p *Pipeline) loadObjectWithEviction(conn *connection.Connection, entry *handlemap.Entry) (tpm2.Handle, error) {
	ctx := unmarshalContext(entry.Context)
	physical, err := p.Broker.ContextLoad(ctx)
	if err == nil {
		entry.Physical = physical
		return physical, nil
	}

	victim := conn.Handles.OldestLoaded()
	if victim == nil || victim.Virtual == entry.Virtual {
		return 0, err
	}
	saved, saveErr := p.Broker.ContextSaveFlush(victim.Physical)
	if saveErr != nil {
		return 0, err
	}
	victim.Context = marshalContext(saved)
	victim.Physical = 0

	physical, err = p.Broker.ContextLoad(ctx)
	if err != nil {
		return 0, err
	}
	entry.Physical = physical
	return physical, nil
}

// loadSessionWithEviction is the session-handle counterpart of
// loadObjectWithEviction, evicting this connection's own oldest
// resident object (never another connection's session) to free a slot.
func (p *Pipeline) loadSessionWithEviction(conn *connection.Connection, e *session.Entry) (tpm2.Handle, error) {
	ctx := unmarshalContext(e.Context)
	physical, err := p.Broker.ContextLoad(ctx)
	if err == nil {
		e.Physical = physical
		e.State = session.Loaded
		return physical, nil
	}

	victim := conn.Handles.OldestLoaded()
	if victim == nil {
		return 0, err
	}
	saved, saveErr := p.Broker.ContextSaveFlush(victim.Physical)
	if saveErr != nil {
		return 0, err
	}
	victim.Context = marshalContext(saved)
	victim.Physical = 0

	physical, err = p.Broker.ContextLoad(ctx)
	if err != nil {
		return 0, err
	}
	e.Physical = physical
	e.State = session.Loaded
	return physical, nil
}

// registerNewHandle records a handle the device just returned in a
// response, dispatching on the handle's own kind rather than the
// command that produced it (spec.md §4.4 step 6): StartAuthSession is
// the usual way a session handle first appears, but ContextLoad can
// also surface one, for a context the resource manager didn't
// recognize and simply forwarded (§4.2's fall-through). A transient
// handle always gets a fresh virtual handle; a session handle already
// tracked (e.g. the device handing back the same handle on a retried
// call) only has its owner checked, not a second Entry created. It
// returns whichever of the two entry types is now current, so the
// caller can add it to this command's save-back-down list alongside
// handles resolved earlier in the pipeline.
func (p *Pipeline) registerNewHandle(conn *connection.Connection, physical tpm2.Handle) (*handlemap.Entry, *session.Entry, tpm2.Handle) {
	if isSessionHandle(physical) {
		if e := p.Sessions.Lookup(physical); e != nil {
			if e.Owner != conn.ID {
				p.Log.Errorf("tpm2-abrmd: response handle 0x%08x owned by a different connection", physical)
			}
			return nil, e, physical
		}
		e := &session.Entry{
			Handle:   physical,
			Physical: physical,
			Owner:    conn.ID,
			State:    session.Loaded,
		}
		p.Sessions.Insert(e)
		return nil, e, physical
	}

	if physical.Type() != tpm2.HandleTypeTransient {
		// Permanent handles, PCRs, NV indices: never multiplexed.
		return nil, nil, physical
	}

	vh := conn.Handles.NextVirtualHandle()
	entry := &handlemap.Entry{Virtual: vh, Physical: physical}
	conn.Handles.Insert(vh, entry)
	return entry, nil, vh
}
