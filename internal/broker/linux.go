package broker

import (
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"

	"golang.org/x/xerrors"

	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// LinuxDevice is an AccessBroker backed by a Linux TPM character device
// (default /dev/tpm0). The read/write framing follows
// Zha0Chan-go-tpm2/linux/transport.go: a plain device file, written one
// whole command at a time and read into a single 4096-byte response
// buffer.
type LinuxDevice struct {
	f *os.File
}

// OpenLinuxDevice opens path (e.g. "/dev/tpm0") for use as an
// AccessBroker. The caller must eventually call Close.
func OpenLinuxDevice(path string) (*LinuxDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("cannot open TPM device %s: %w", path, err)
	}
	return &LinuxDevice{f: f}, nil
}

// Close releases the underlying device file.
func (d *LinuxDevice) Close() error {
	return d.f.Close()
}

// SendCommand implements AccessBroker.
func (d *LinuxDevice) SendCommand(cmd wire.CommandPacket) (wire.ResponsePacket, error) {
	if _, err := d.f.Write(cmd); err != nil {
		return nil, xerrors.Errorf("cannot write command to device: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := d.f.Read(buf)
	if err != nil {
		return nil, xerrors.Errorf("cannot read response from device: %w", err)
	}
	return wire.ResponsePacket(buf[:n]), nil
}

// ContextLoad implements AccessBroker by issuing a TPM2_ContextLoad
// command and parsing its single response handle.
func (d *LinuxDevice) ContextLoad(context *tpm2.Context) (tpm2.Handle, error) {
	body, err := mu.MarshalToBytes(context)
	if err != nil {
		return 0, xerrors.Errorf("cannot marshal TPMS_CONTEXT: %w", err)
	}
	cmd := wire.MarshalCommandPacket(tpm2.CommandContextLoad, nil, nil, body)

	resp, err := d.SendCommand(cmd)
	if err != nil {
		return 0, err
	}
	rc, handles, _, _, err := resp.Unmarshal(1)
	if err != nil {
		return 0, err
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		return 0, fmt.Errorf("device returned error 0x%x for ContextLoad", rc)
	}
	decoded, err := wire.ReadHandles(handles)
	if err != nil {
		return 0, err
	}
	return decoded[0], nil
}

// ContextSaveFlush implements AccessBroker by issuing
// TPM2_ContextSave followed, for transient objects, by
// TPM2_FlushContext, matching spec.md §6's single combined primitive.
func (d *LinuxDevice) ContextSaveFlush(physical tpm2.Handle) (*tpm2.Context, error) {
	handleBytes := wire.WriteHandles([]tpm2.Handle{physical})
	cmd := wire.MarshalCommandPacket(tpm2.CommandContextSave, handleBytes, nil, nil)

	resp, err := d.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	rc, _, params, _, err := resp.Unmarshal(0)
	if err != nil {
		return nil, err
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		return nil, fmt.Errorf("device returned error 0x%x for ContextSave", rc)
	}

	var context tpm2.Context
	if _, err := mu.UnmarshalFromBytes(params, &context); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal TPMS_CONTEXT: %w", err)
	}

	if physical.Type() == tpm2.HandleTypeTransient {
		if err := d.ContextFlush(physical); err != nil {
			return nil, err
		}
	}
	return &context, nil
}

// ContextFlush implements AccessBroker by issuing TPM2_FlushContext.
func (d *LinuxDevice) ContextFlush(handle tpm2.Handle) error {
	handleBytes := wire.WriteHandles([]tpm2.Handle{handle})
	cmd := wire.MarshalCommandPacket(tpm2.CommandFlushContext, handleBytes, nil, nil)

	resp, err := d.SendCommand(cmd)
	if err != nil {
		return err
	}
	rc, _, _, _, err := resp.Unmarshal(0)
	if err != nil {
		return err
	}
	if rc != tpm2.ResponseCode(tpm2.Success) {
		return fmt.Errorf("device returned error 0x%x for FlushContext", rc)
	}
	return nil
}
