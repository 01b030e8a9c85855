package pipeline

import "github.com/canonical/go-tpm2"

// commandMeta is the per-command-code metadata the pipeline needs to
// parse and rewrite a command/response pair: how many handles sit in
// each area. A real TPM exposes this as the TPMA_CC command attributes
// returned by GetCapability(TPM2_CAP_COMMANDS); this package does not
// query the device for them. This table hand-codes the
// commands the pipeline and its special-case handlers need to know
// about and falls back to zero handles for anything else, which is
// sufficient for every command this resource manager forwards without
// interpreting (spec.md's non-goals exclude command rewriting beyond
// handle substitution, so an unlisted command is passed through with
// whatever handle count zero implies -- see DESIGN.md for the tradeoff).
type commandMeta struct {
	CommandHandles  int
	ResponseHandles int

	// Flushed marks a command whose TPMA_CC attribute tells the
	// pipeline the device has already removed any TRANSIENT handles in
	// the command's handle area as a side effect of a successful call
	// (spec.md §4.4 step 9), so step 9 must drop those entries from the
	// connection's HandleMap outright instead of issuing
	// context_saveflush against a handle that is no longer resident.
	// EvictControl is the only command in this table with that
	// property: persisting a transient object removes it from the
	// transient handle space entirely.
	Flushed bool
}

var commandTable = map[tpm2.CommandCode]commandMeta{
	tpm2.CommandCreatePrimary:    {CommandHandles: 1, ResponseHandles: 1},
	tpm2.CommandCreate:           {CommandHandles: 1, ResponseHandles: 0},
	tpm2.CommandLoad:             {CommandHandles: 1, ResponseHandles: 1},
	tpm2.CommandLoadExternal:     {CommandHandles: 0, ResponseHandles: 1},
	tpm2.CommandFlushContext:     {CommandHandles: 1, ResponseHandles: 0},
	tpm2.CommandContextSave:      {CommandHandles: 1, ResponseHandles: 0},
	tpm2.CommandContextLoad:      {CommandHandles: 0, ResponseHandles: 1},
	tpm2.CommandStartAuthSession: {CommandHandles: 2, ResponseHandles: 1},
	tpm2.CommandGetCapability:    {CommandHandles: 0, ResponseHandles: 0},
	tpm2.CommandUnseal:           {CommandHandles: 1, ResponseHandles: 0},
	tpm2.CommandEvictControl:     {CommandHandles: 2, ResponseHandles: 0, Flushed: true},
	tpm2.CommandReadPublic:       {CommandHandles: 1, ResponseHandles: 0},
}

// metaFor returns the metadata for code, defaulting to zero handles in
// both areas when code is not in the table.
func metaFor(code tpm2.CommandCode) commandMeta {
	if m, ok := commandTable[code]; ok {
		return m
	}
	return commandMeta{}
}
