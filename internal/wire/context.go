package wire

import (
	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"

	"golang.org/x/xerrors"
)

// ParseContextLoadParams unmarshals the single TPMS_CONTEXT parameter of
// a ContextLoad command body, used by the ContextLoad special-case
// handler (spec.md §4.2) to recover the context blob to search the
// session list for.
func ParseContextLoadParams(parameters []byte) (*tpm2.Context, error) {
	var context tpm2.Context
	if _, err := mu.UnmarshalFromBytes(parameters, &context); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal TPMS_CONTEXT: %w", err)
	}
	return &context, nil
}

// MarshalContextLoadResponse encodes the synthesized success response
// to ContextLoad when the resource manager recognizes the supplied
// context as belonging to a tracked session or transient object: tag
// NO_SESSIONS, success code, and the session's stable handle (or the
// object's virtual handle) in the single response handle slot.
func MarshalContextLoadResponse(handle tpm2.Handle) ResponsePacket {
	header := ResponseHeader{Tag: tpm2.TagNoSessions, ResponseCode: tpm2.ResponseCode(tpm2.Success)}
	handleBytes, err := mu.MarshalToBytes(handle)
	if err != nil {
		panic(xerrors.Errorf("cannot marshal handle: %w", err))
	}
	header.ResponseSize = uint32(10 + len(handleBytes))
	resp, err := mu.MarshalToBytes(header, mu.RawBytes(handleBytes))
	if err != nil {
		panic(xerrors.Errorf("cannot marshal ContextLoad response: %w", err))
	}
	return ResponsePacket(resp)
}

// MarshalContextSaveResponse encodes the synthesized success response to
// ContextSave when a session or transient object is being saved by the
// client: tag
// NO_SESSIONS, success code, and the serialized TPMS_CONTEXT as the
// response's sole parameter.
func MarshalContextSaveResponse(context *tpm2.Context) ResponsePacket {
	body, err := mu.MarshalToBytes(context)
	if err != nil {
		panic(xerrors.Errorf("cannot marshal TPMS_CONTEXT: %w", err))
	}
	header := ResponseHeader{Tag: tpm2.TagNoSessions, ResponseCode: tpm2.ResponseCode(tpm2.Success)}
	header.ResponseSize = uint32(10 + len(body))
	resp, err := mu.MarshalToBytes(header, mu.RawBytes(body))
	if err != nil {
		panic(xerrors.Errorf("cannot marshal ContextSave response: %w", err))
	}
	return ResponsePacket(resp)
}
