// Command tpm2-abrmd is the userspace TPM 2.0 access broker and
// resource manager daemon: it multiplexes many client connections onto
// a single TPM device, virtualizing its transient object and session
// slots (see spec.md for the protocol this implements).
package main

func main() {
	Execute()
}
