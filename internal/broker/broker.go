// Package broker defines the access-broker interface the resource
// manager core uses to reach the physical TPM (spec.md §1, §6): the
// one shared resource every connection's worker ultimately serializes
// against.
package broker

import (
	"github.com/canonical/go-tpm2"

	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// AccessBroker is the out-of-core collaborator that owns the physical
// connection to the TPM device. All four operations are blocking
// (spec.md §5): they are the only suspension points in the pipeline
// besides the inbound queue's dequeue.
type AccessBroker interface {
	// SendCommand forwards a fully rewritten command packet to the
	// device and returns its response packet.
	SendCommand(cmd wire.CommandPacket) (wire.ResponsePacket, error)

	// ContextLoad loads a previously saved context, returning the
	// physical handle the device assigned it.
	ContextLoad(context *tpm2.Context) (tpm2.Handle, error)

	// ContextSaveFlush saves the object or session resident at
	// physical, flushing it from the device in the process, and
	// returns the serialized context.
	ContextSaveFlush(physical tpm2.Handle) (*tpm2.Context, error)

	// ContextFlush flushes the object or session resident at handle
	// without retrieving its context.
	ContextFlush(handle tpm2.Handle) error
}
