package pipeline

import (
	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"

	"github.com/bseazeng/tpm2-abrmd/internal/connection"
	"github.com/bseazeng/tpm2-abrmd/internal/rmerrors"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// isSessionHandle reports whether h names a session rather than a
// transient object (spec.md §4.2's handle-kind dispatch).
func isSessionHandle(h tpm2.Handle) bool {
	t := h.Type()
	return t == tpm2.HandleTypeHMACSession || t == tpm2.HandleTypePolicySession
}

func marshalContext(ctx *tpm2.Context) []byte {
	b, err := mu.MarshalToBytes(ctx)
	if err != nil {
		panic(err)
	}
	return b
}

func unmarshalContext(b []byte) *tpm2.Context {
	var ctx tpm2.Context
	if _, err := mu.UnmarshalFromBytes(b, &ctx); err != nil {
		panic(err)
	}
	return &ctx
}

func unknownHandleResponse() wire.ResponsePacket {
	return wire.MarshalErrorResponse(rmerrors.ComposeParam1HandleError())
}

func successResponse() wire.ResponsePacket {
	return wire.MarshalErrorResponse(tpm2.ResponseCode(tpm2.Success))
}

// deviceFailureResponse synthesizes the response returned when the
// access broker itself fails (spec.md §7's "device error" category):
// there is no real device response to forward, so the client sees a
// generic resource-manager-layer failure instead of losing the
// connection outright.
func deviceFailureResponse() wire.ResponsePacket {
	return wire.MarshalErrorResponse(rmerrors.DeviceFailure)
}

// special recognizes the four commands the resource manager intercepts
// and answers itself instead of forwarding to the device (spec.md
// §4.2): FlushContext, ContextSave, ContextLoad and
// GetCapability(TPM_CAP_HANDLES) over the transient range. handled is
// false for every other command, including GetCapability calls for any
// other capability, and also for a FlushContext of a session handle and
// a ContextLoad of an unrecognized context, which are forwarded.
func (p *Pipeline) special(conn *connection.Connection, code tpm2.CommandCode, cmd wire.CommandPacket) (resp wire.ResponsePacket, handled bool, err error) {
	switch code {
	case tpm2.CommandFlushContext:
		return p.handleFlushContext(conn, cmd)
	case tpm2.CommandContextSave:
		resp, err = p.handleContextSave(conn, cmd)
		return resp, true, err
	case tpm2.CommandContextLoad:
		return p.handleContextLoad(conn, cmd)
	case tpm2.CommandGetCapability:
		resp, handled, err = p.handleGetCapability(conn, cmd)
		return resp, handled, err
	default:
		return nil, false, nil
	}
}

// handleFlushContext implements spec.md §4.2's FlushContext
// interception. handled is false for HMAC/POLICY session handles: the
// resource manager only drops its own bookkeeping for the session and
// lets the command reach the device unchanged, rather than flushing the
// handle itself and synthesizing the response (the authoritative
// resolution of spec.md §9's open question on this point).
func (p *Pipeline) handleFlushContext(conn *connection.Connection, cmd wire.CommandPacket) (wire.ResponsePacket, bool, error) {
	handles, _, _, err := cmd.Unmarshal(1)
	if err != nil {
		return nil, false, err
	}
	decoded, err := wire.ReadHandles(handles)
	if err != nil {
		return nil, false, err
	}
	h := decoded[0]

	if isSessionHandle(h) {
		p.Sessions.Remove(h)
		return nil, false, nil
	}

	entry := conn.Handles.Lookup(h)
	if entry == nil {
		return unknownHandleResponse(), true, nil
	}
	if entry.Loaded() {
		if err := p.Broker.ContextFlush(entry.Physical); err != nil {
			return deviceFailureResponse(), true, nil
		}
	}
	conn.Handles.Remove(h)
	return successResponse(), true, nil
}

func (p *Pipeline) handleContextSave(conn *connection.Connection, cmd wire.CommandPacket) (wire.ResponsePacket, error) {
	handles, _, _, err := cmd.Unmarshal(1)
	if err != nil {
		return nil, err
	}
	decoded, err := wire.ReadHandles(handles)
	if err != nil {
		return nil, err
	}
	h := decoded[0]

	if isSessionHandle(h) {
		e := p.Sessions.Lookup(h)
		if e == nil || e.Owner != conn.ID {
			return unknownHandleResponse(), nil
		}
		if !e.Loaded() {
			e.State = session.SavedClient
			return wire.MarshalContextSaveResponse(unmarshalContext(e.Context)), nil
		}
		ctx, err := p.Broker.ContextSaveFlush(e.Physical)
		if err != nil {
			return deviceFailureResponse(), nil
		}
		e.Context = marshalContext(ctx)
		e.Physical = 0
		e.State = session.SavedClient
		return wire.MarshalContextSaveResponse(ctx), nil
	}

	entry := conn.Handles.Lookup(h)
	if entry == nil {
		return unknownHandleResponse(), nil
	}
	if !entry.Loaded() {
		return wire.MarshalContextSaveResponse(unmarshalContext(entry.Context)), nil
	}
	ctx, err := p.Broker.ContextSaveFlush(entry.Physical)
	if err != nil {
		return deviceFailureResponse(), nil
	}
	entry.Context = marshalContext(ctx)
	entry.Physical = 0
	return wire.MarshalContextSaveResponse(ctx), nil
}

// handleContextLoad implements spec.md §4.2's ContextLoad interception.
// handled is false when the context is unrecognized: the spec treats
// that as "the device will either accept it, creating a new session
// visible in the response, or reject it", so the command is forwarded
// unchanged rather than answered with a synthesized error.
//
// On a recognized context the resource manager already holds the saved
// context itself, so it never touches the device here: it just records
// that the entry is now RM-owned (SAVED_RM, scenario 5) and synthesizes
// the response. The context is only actually loaded into the device
// later, on demand, when some other command needs the handle resolved
// (pipeline.go's resolveHandle), keeping the §8 quiescent invariant that
// nothing is left LOADED between commands.
func (p *Pipeline) handleContextLoad(conn *connection.Connection, cmd wire.CommandPacket) (wire.ResponsePacket, bool, error) {
	_, _, params, err := cmd.Unmarshal(0)
	if err != nil {
		return nil, false, err
	}
	ctx, err := wire.ParseContextLoadParams(params)
	if err != nil {
		return nil, false, err
	}
	ctxBytes := marshalContext(ctx)

	if isSessionHandle(ctx.SavedHandle) {
		e := p.Sessions.LookupByContext(ctxBytes)
		if e == nil {
			return nil, false, nil
		}
		if e.State == session.SavedClientClosed {
			claimed, ok := p.Sessions.Claim(e.Handle, conn.ID)
			if !ok {
				return unknownHandleResponse(), true, nil
			}
			e = claimed
		}
		if e.Owner != conn.ID {
			return unknownHandleResponse(), true, nil
		}
		e.State = session.SavedRM
		return wire.MarshalContextLoadResponse(e.Handle), true, nil
	}

	entry := conn.Handles.LookupByContext(ctxBytes)
	if entry == nil {
		return nil, false, nil
	}
	return wire.MarshalContextLoadResponse(entry.Virtual), true, nil
}

// handleGetCapability intercepts only TPM2_CAP_HANDLES queries over the
// transient range, answering from the connection's own HandleMap so the
// client never learns a physical handle (spec.md §4.2, §6). Every other
// capability is left for the caller to forward untouched.
func (p *Pipeline) handleGetCapability(conn *connection.Connection, cmd wire.CommandPacket) (wire.ResponsePacket, bool, error) {
	_, _, params, err := cmd.Unmarshal(0)
	if err != nil {
		return nil, false, err
	}
	if len(params) < 12 {
		return nil, false, nil
	}

	var capability uint32
	var property uint32
	var propertyCount uint32
	if _, err := mu.UnmarshalFromBytes(params, &capability, &property, &propertyCount); err != nil {
		return nil, false, nil
	}

	const capHandles uint32 = 0x00000001
	if capability != capHandles || tpm2.Handle(property).Type() != tpm2.HandleTypeTransient {
		return nil, false, nil
	}

	keys := conn.Handles.KeysSorted()
	start := 0
	for start < len(keys) && keys[start] < tpm2.Handle(property) {
		start++
	}
	end := start + int(propertyCount)
	moreData := end < len(keys)
	if end > len(keys) {
		end = len(keys)
	}
	return wire.MarshalHandleCapabilityResponse(keys[start:end], moreData), true, nil
}
