package pipeline

import (
	"github.com/canonical/go-tpm2"

	"github.com/bseazeng/tpm2-abrmd/internal/handlemap"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
)

func newSessionListForTest() *session.List {
	return session.New(0)
}

func entryLoaded(vh tpm2.Handle) *handlemap.Entry {
	return &handlemap.Entry{Virtual: vh, Physical: tpm2.HandleTypeTransient.BaseHandle() + vh&0x00ffffff}
}

func entryLoadedAt(vh, physical tpm2.Handle) *handlemap.Entry {
	return &handlemap.Entry{Virtual: vh, Physical: physical}
}
