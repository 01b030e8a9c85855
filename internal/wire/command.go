// Package wire parses and rewrites TPM2 command/response packets.
//
// The packet layout and marshaling code are adapted from
// Zha0Chan-go-tpm2/command.go: same header/handle-area/auth-area framing,
// same reliance on github.com/canonical/go-tpm2/mu for (un)marshaling.
// What is new here is in-place handle-area rewriting, which a TPM2 client
// library never needs (it only ever emits its own handles) but a
// resource manager needs on every command: virtual handles supplied by
// the client are rewritten to the physical handles the device expects,
// and physical handles returned by the device are rewritten back to
// virtual handles before the response reaches the client.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"

	"golang.org/x/xerrors"
)

const (
	maxCommandSize  int = 4096
	maxResponseSize int = 4096
)

// CommandHeader is the header for a TPM2 command.
type CommandHeader struct {
	Tag         tpm2.StructTag
	CommandSize uint32
	CommandCode tpm2.CommandCode
}

// CommandPacket is a complete command packet, header included.
type CommandPacket []byte

// CommandCode returns the command code carried in the packet header.
func (p CommandPacket) CommandCode() (tpm2.CommandCode, error) {
	var header CommandHeader
	if _, err := mu.UnmarshalFromBytes(p, &header); err != nil {
		return 0, xerrors.Errorf("cannot unmarshal header: %w", err)
	}
	return header.CommandCode, nil
}

// Unmarshal splits the packet into its handle area, auth area and
// parameter area. The handle and parameter areas remain in TPM wire
// format; the number of command handles is supplied by the caller
// because it is determined by the command code, not by the packet.
func (p CommandPacket) Unmarshal(numHandles int) (handles []byte, authArea []tpm2.AuthCommand, parameters []byte, err error) {
	buf := bytes.NewReader(p)

	var header CommandHeader
	if _, err := mu.UnmarshalFromReader(buf, &header); err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot unmarshal header: %w", err)
	}
	if header.CommandSize != uint32(len(p)) {
		return nil, nil, nil, fmt.Errorf("invalid commandSize value (got %d, packet length %d)", header.CommandSize, len(p))
	}

	handles = make([]byte, numHandles*binary.Size(tpm2.Handle(0)))
	if _, err := io.ReadFull(buf, handles); err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot read handles: %w", err)
	}

	switch header.Tag {
	case tpm2.TagSessions:
		var authSize uint32
		if _, err := mu.UnmarshalFromReader(buf, &authSize); err != nil {
			return nil, nil, nil, xerrors.Errorf("cannot unmarshal auth area size: %w", err)
		}
		r := &io.LimitedReader{R: buf, N: int64(authSize)}
		for r.N > 0 {
			if len(authArea) >= 3 {
				return nil, nil, nil, fmt.Errorf("%d trailing byte(s) in auth area", r.N)
			}
			var auth tpm2.AuthCommand
			if _, err := mu.UnmarshalFromReader(r, &auth); err != nil {
				return nil, nil, nil, xerrors.Errorf("cannot unmarshal auth: %w", err)
			}
			authArea = append(authArea, auth)
		}
	case tpm2.TagNoSessions:
	default:
		return nil, nil, nil, fmt.Errorf("invalid tag: %v", header.Tag)
	}

	parameters, err = ioutil.ReadAll(buf)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot read parameters: %w", err)
	}
	return handles, authArea, parameters, nil
}

// MarshalCommandPacket serializes a complete command packet from
// already-wire-format handles and parameters.
func MarshalCommandPacket(command tpm2.CommandCode, handles []byte, authArea []tpm2.AuthCommand, parameters []byte) CommandPacket {
	header := CommandHeader{CommandCode: command}
	var payload []byte

	switch {
	case len(authArea) > 0:
		header.Tag = tpm2.TagSessions

		aBytes := new(bytes.Buffer)
		for _, auth := range authArea {
			if _, err := mu.MarshalToWriter(aBytes, auth); err != nil {
				panic(fmt.Sprintf("cannot marshal command auth area: %v", err))
			}
		}

		var err error
		payload, err = mu.MarshalToBytes(mu.RawBytes(handles), uint32(aBytes.Len()), mu.RawBytes(aBytes.Bytes()), mu.RawBytes(parameters))
		if err != nil {
			panic(fmt.Sprintf("cannot marshal command payload: %v", err))
		}
	default:
		header.Tag = tpm2.TagNoSessions

		var err error
		payload, err = mu.MarshalToBytes(mu.RawBytes(handles), mu.RawBytes(parameters))
		if err != nil {
			panic(fmt.Sprintf("cannot marshal command payload: %v", err))
		}
	}

	header.CommandSize = uint32(binary.Size(header) + len(payload))

	cmd, err := mu.MarshalToBytes(header, mu.RawBytes(payload))
	if err != nil {
		panic(fmt.Sprintf("cannot marshal complete command packet: %v", err))
	}
	return CommandPacket(cmd)
}

// ResponseHeader is the header for a TPM2 response.
type ResponseHeader struct {
	Tag          tpm2.StructTag
	ResponseSize uint32
	ResponseCode tpm2.ResponseCode
}

// ResponsePacket is a complete response packet, header included.
type ResponsePacket []byte

// Unmarshal splits the packet into response code, handle area, parameter
// area and auth area. The number of response handles is supplied by the
// caller, determined by the command code that produced this response.
func (p ResponsePacket) Unmarshal(numHandles int) (rc tpm2.ResponseCode, handles []byte, parameters []byte, authArea []tpm2.AuthResponse, err error) {
	if len(p) > maxResponseSize {
		return 0, nil, nil, nil, fmt.Errorf("packet too large (%d bytes)", len(p))
	}

	buf := bytes.NewReader(p)

	var header ResponseHeader
	if _, err := mu.UnmarshalFromReader(buf, &header); err != nil {
		return 0, nil, nil, nil, xerrors.Errorf("cannot unmarshal header: %w", err)
	}
	if header.ResponseSize != uint32(len(p)) {
		return 0, nil, nil, nil, fmt.Errorf("invalid responseSize value (got %d, packet length %d)", header.ResponseSize, len(p))
	}

	if header.ResponseCode != tpm2.ResponseCode(tpm2.Success) {
		if buf.Len() != 0 {
			return header.ResponseCode, nil, nil, nil, fmt.Errorf("%d trailing byte(s)", buf.Len())
		}
		return header.ResponseCode, nil, nil, nil, nil
	}

	handles = make([]byte, numHandles*binary.Size(tpm2.Handle(0)))
	if _, err := io.ReadFull(buf, handles); err != nil {
		return 0, nil, nil, nil, xerrors.Errorf("cannot read handles: %w", err)
	}

	switch header.Tag {
	case tpm2.TagSessions:
		var parameterSize uint32
		if _, err := mu.UnmarshalFromReader(buf, &parameterSize); err != nil {
			return 0, nil, nil, nil, xerrors.Errorf("cannot unmarshal parameterSize: %w", err)
		}
		parameters = make([]byte, parameterSize)
		if _, err := io.ReadFull(buf, parameters); err != nil {
			return 0, nil, nil, nil, xerrors.Errorf("cannot read parameters: %w", err)
		}
		for buf.Len() > 0 {
			if len(authArea) >= 3 {
				return 0, nil, nil, nil, fmt.Errorf("%d trailing byte(s)", buf.Len())
			}
			var auth tpm2.AuthResponse
			if _, err := mu.UnmarshalFromReader(buf, &auth); err != nil {
				return 0, nil, nil, nil, xerrors.Errorf("cannot unmarshal auth: %w", err)
			}
			authArea = append(authArea, auth)
		}
	case tpm2.TagNoSessions:
		parameters, err = ioutil.ReadAll(buf)
		if err != nil {
			return 0, nil, nil, nil, xerrors.Errorf("cannot read parameters: %w", err)
		}
	default:
		return 0, nil, nil, nil, fmt.Errorf("invalid tag: %v", header.Tag)
	}

	return tpm2.ResponseCode(tpm2.Success), handles, parameters, authArea, nil
}

// MarshalResponsePacket re-serializes a response whose handle area,
// parameter area and auth area have already been (possibly) rewritten,
// preserving the caller-supplied tag. It mirrors MarshalCommandPacket's
// two-shape (sessions/no-sessions) encoding on the response side.
func MarshalResponsePacket(tag tpm2.StructTag, rc tpm2.ResponseCode, handles []byte, parameters []byte, authArea []tpm2.AuthResponse) ResponsePacket {
	header := ResponseHeader{Tag: tag, ResponseCode: rc}
	var payload []byte

	switch tag {
	case tpm2.TagSessions:
		aBytes := new(bytes.Buffer)
		if _, err := mu.MarshalToWriter(aBytes, uint32(len(parameters))); err != nil {
			panic(fmt.Sprintf("cannot marshal response parameterSize: %v", err))
		}
		var err error
		payload, err = mu.MarshalToBytes(mu.RawBytes(handles), mu.RawBytes(aBytes.Bytes()), mu.RawBytes(parameters))
		if err != nil {
			panic(fmt.Sprintf("cannot marshal response payload: %v", err))
		}
		for _, auth := range authArea {
			b, err := mu.MarshalToBytes(auth)
			if err != nil {
				panic(fmt.Sprintf("cannot marshal response auth: %v", err))
			}
			payload = append(payload, b...)
		}
	default:
		header.Tag = tpm2.TagNoSessions
		var err error
		payload, err = mu.MarshalToBytes(mu.RawBytes(handles), mu.RawBytes(parameters))
		if err != nil {
			panic(fmt.Sprintf("cannot marshal response payload: %v", err))
		}
	}

	header.ResponseSize = uint32(binary.Size(header) + len(payload))
	resp, err := mu.MarshalToBytes(header, mu.RawBytes(payload))
	if err != nil {
		panic(fmt.Sprintf("cannot marshal complete response packet: %v", err))
	}
	return ResponsePacket(resp)
}

// MarshalErrorResponse synthesizes a minimal TagNoSessions response
// packet carrying only a non-success response code, as used for
// synthesized quota and protocol-error responses.
func MarshalErrorResponse(rc tpm2.ResponseCode) ResponsePacket {
	header := ResponseHeader{Tag: tpm2.TagNoSessions, ResponseCode: rc}
	header.ResponseSize = uint32(binary.Size(header))
	resp, err := mu.MarshalToBytes(header)
	if err != nil {
		panic(fmt.Sprintf("cannot marshal error response: %v", err))
	}
	return ResponsePacket(resp)
}

// ReadHandles decodes a raw, wire-format handle area into typed handles.
func ReadHandles(raw []byte) ([]tpm2.Handle, error) {
	n := len(raw) / binary.Size(tpm2.Handle(0))
	handles := make([]tpm2.Handle, n)
	buf := bytes.NewReader(raw)
	for i := 0; i < n; i++ {
		if _, err := mu.UnmarshalFromReader(buf, &handles[i]); err != nil {
			return nil, xerrors.Errorf("cannot unmarshal handle %d: %w", i, err)
		}
	}
	return handles, nil
}

// WriteHandles re-encodes typed handles back into a wire-format handle
// area of the same length as produced by ReadHandles.
func WriteHandles(handles []tpm2.Handle) []byte {
	raw := make([]byte, 0, len(handles)*binary.Size(tpm2.Handle(0)))
	for _, h := range handles {
		b, err := mu.MarshalToBytes(h)
		if err != nil {
			panic(fmt.Sprintf("cannot marshal handle: %v", err))
		}
		raw = append(raw, b...)
	}
	return raw
}
