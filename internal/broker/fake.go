package broker

import (
	"fmt"
	"sync"

	"github.com/canonical/go-tpm2"

	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// Fake is an in-memory AccessBroker for tests. It does not speak the
// real TPM wire protocol; it just tracks which physical handles are
// "resident" and hands out deterministic contexts, so pipeline, worker
// and manager tests can exercise load/save/flush bookkeeping
// without a device or simulator.
type Fake struct {
	mu sync.Mutex

	// Responder is consulted by SendCommand for every forwarded
	// command; tests set it to control the synthesized device
	// response.
	Responder func(cmd wire.CommandPacket) (wire.ResponsePacket, error)

	nextPhysical tpm2.Handle
	resident     map[tpm2.Handle]bool

	ContextLoadCalls      int
	ContextSaveFlushCalls int
	ContextFlushCalls     int
	SendCommandCalls      int
}

// NewFake returns a ready-to-use Fake broker.
func NewFake() *Fake {
	return &Fake{
		nextPhysical: tpm2.HandleTypeTransient.BaseHandle(),
		resident:     make(map[tpm2.Handle]bool),
	}
}

func (f *Fake) SendCommand(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
	f.mu.Lock()
	f.SendCommandCalls++
	f.mu.Unlock()

	if f.Responder == nil {
		return nil, fmt.Errorf("fake broker: no Responder configured")
	}
	return f.Responder(cmd)
}

func (f *Fake) ContextLoad(context *tpm2.Context) (tpm2.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ContextLoadCalls++

	h := f.nextPhysical
	f.nextPhysical++
	f.resident[h] = true
	return h, nil
}

func (f *Fake) ContextSaveFlush(physical tpm2.Handle) (*tpm2.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ContextSaveFlushCalls++

	if !f.resident[physical] {
		return nil, fmt.Errorf("fake broker: handle 0x%08x is not resident", physical)
	}
	delete(f.resident, physical)
	return &tpm2.Context{SavedHandle: physical}, nil
}

func (f *Fake) ContextFlush(handle tpm2.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ContextFlushCalls++

	delete(f.resident, handle)
	return nil
}

// Resident reports whether physical is currently tracked as loaded,
// for assertions in tests.
func (f *Fake) Resident(physical tpm2.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resident[physical]
}
