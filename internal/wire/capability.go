package wire

import (
	"encoding/binary"

	"github.com/canonical/go-tpm2"
)

// MarshalHandleCapabilityResponse encodes the synthesized response to
// GetCapability(TPM2_CAP_HANDLES, prop, count) for handles in the
// transient range: tag NO_SESSIONS, success code, then moreData (1
// byte), capability (BE32), property count (BE32), and the handles
// themselves (BE32 each), per spec.md §6.
func MarshalHandleCapabilityResponse(handles []tpm2.Handle, moreData bool) ResponsePacket {
	const capabilityHandles uint32 = 0x00000001 // TPM2_CAP_HANDLES

	size := 10 + 1 + 4 + 4 + 4*len(handles)
	buf := make([]byte, size)

	binary.BigEndian.PutUint16(buf[0:2], uint16(tpm2.TagNoSessions))
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], uint32(tpm2.Success))

	off := 10
	if moreData {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], capabilityHandles)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(handles)))
	off += 4
	for _, h := range handles {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(h))
		off += 4
	}

	return ResponsePacket(buf)
}
