package broker

import (
	"sync"

	"github.com/canonical/go-tpm2"

	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// Serialized wraps an AccessBroker with a mutex held across each call.
// A connection's worker already serializes that connection's own
// commands (spec.md §5's single-writer discipline), but the manager
// runs one worker goroutine per connection against a device that has
// exactly one physical channel; this decorator is the choke point that
// keeps two connections' workers from interleaving their device calls,
// per SPEC_FULL.md §4.8.
type Serialized struct {
	mu       sync.Mutex
	Delegate AccessBroker
}

// NewSerialized returns an AccessBroker that forwards every call to
// delegate under a single mutex.
func NewSerialized(delegate AccessBroker) *Serialized {
	return &Serialized{Delegate: delegate}
}

func (s *Serialized) SendCommand(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delegate.SendCommand(cmd)
}

func (s *Serialized) ContextLoad(context *tpm2.Context) (tpm2.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delegate.ContextLoad(context)
}

func (s *Serialized) ContextSaveFlush(physical tpm2.Handle) (*tpm2.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delegate.ContextSaveFlush(physical)
}

func (s *Serialized) ContextFlush(handle tpm2.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delegate.ContextFlush(handle)
}
