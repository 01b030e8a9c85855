// Package rmerrors composes TPM2 response codes for conditions that are
// detected by the resource manager itself rather than returned by the
// device: quota exhaustion, and the synthesized failure for flushing a
// handle the connection does not own.
//
// The format-1 encoding follows the TCG TPM2 response code layout: a
// format-1 code carries a 6-bit error code in bits [0:5], a format bit
// set at bit 7, and either a parameter, handle or session index in bits
// [8:11] selected by the P/S flags in bits 6 and 11. This mirrors the
// decoding anonymouse64-go-tpm2/errors.go performs in the opposite
// direction (raw response code -> typed error).
package rmerrors

import "github.com/canonical/go-tpm2"

const (
	fmt1Format        tpm2.ResponseCode = 1 << 7
	fmt1ParameterFlag tpm2.ResponseCode = 1 << 6
	fmt1IndexShift    uint              = 8

	// rcHandle is TPM_RC_HANDLE from the TCG TPM2 Part 2 response code
	// table, masked to its format-1 error-code bits.
	rcHandle tpm2.ResponseCode = 0x0b | fmt1Format
)

// ComposeParam1HandleError returns the response code for "the handle
// supplied in parameter 1 is unrecognized", i.e. HANDLE | PARAMETER |
// PARAM_1 as used by the FlushContext special-case handler.
func ComposeParam1HandleError() tpm2.ResponseCode {
	return rcHandle | fmt1ParameterFlag | tpm2.ResponseCode(1<<fmt1IndexShift)
}

// Resource-manager layer codes. These are synthesized locally and never
// originate from the device; they occupy a private vendor-range layer so
// they cannot collide with a genuine TPM response code.
const (
	rmLayer tpm2.ResponseCode = 0x0a << 16

	// ObjectMemory is returned when a connection's transient object quota
	// (HandleMap fullness) would be exceeded by an object-allocating
	// command (CreatePrimary, Load, LoadExternal).
	ObjectMemory tpm2.ResponseCode = rmLayer | 0x0001

	// SessionMemory is returned when a connection's session quota would
	// be exceeded by StartAuthSession.
	SessionMemory tpm2.ResponseCode = rmLayer | 0x0002

	// DeviceFailure is returned when the access broker itself fails
	// (a transport I/O error, not a TPM response code) and there is no
	// real device response to forward to the client (spec.md §7,
	// category "device error").
	DeviceFailure tpm2.ResponseCode = rmLayer | 0x0003
)
