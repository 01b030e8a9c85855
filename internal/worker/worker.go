// Package worker drives one connection's inbound queue through the
// command pipeline, and performs connection teardown when the
// connection manager signals it (spec.md §4.6, §4.7).
package worker

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/bseazeng/tpm2-abrmd/internal/connection"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/pipeline"
	"github.com/bseazeng/tpm2-abrmd/internal/queue"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// Outcome is what a worker delivers downstream: either a response to a
// command, or a control message being relayed onward (spec.md §6's
// single sink `enqueue(object)` operation, specialized to the two
// shapes the worker ever produces).
type Outcome struct {
	Response wire.ResponsePacket
	Control  *queue.Control
}

// Sink is the worker's only way to talk back upstream.
type Sink interface {
	Enqueue(o *Outcome)
}

// Worker runs the command loop for exactly one connection.
type Worker struct {
	Conn     *connection.Connection
	Inbound  *queue.Queue
	Pipeline *pipeline.Pipeline
	Sessions *session.List
	Sink     Sink
	Log      logging.Logger
}

// New returns a Worker for conn, reading from inbound and writing
// results to sink.
func New(conn *connection.Connection, inbound *queue.Queue, p *pipeline.Pipeline, sessions *session.List, sink Sink, log logging.Logger) *Worker {
	return &Worker{Conn: conn, Inbound: inbound, Pipeline: p, Sessions: sessions, Sink: sink, Log: log}
}

// Run blocks on the inbound queue until a CHECK_CANCEL control message or
// a sentinel item terminates the loop (spec.md §4.7). It also returns,
// without notifying the sink, when the pipeline rejects a command as
// malformed. It is meant to run as its own goroutine, one per connection.
func (w *Worker) Run() {
	for {
		item := w.Inbound.Dequeue()
		if item.IsSentinel() {
			return
		}

		if item.Control != nil {
			switch item.Control.Code {
			case queue.CheckCancel:
				w.Sink.Enqueue(&Outcome{Control: item.Control})
				return
			case queue.ConnectionRemoved:
				w.teardown()
				w.Sink.Enqueue(&Outcome{Control: item.Control})
			default:
				w.Log.Warnf("tpm2-abrmd: worker %s: unknown control code %v, ignoring", w.Conn.ID, item.Control.Code)
			}
			continue
		}

		resp, err := w.Pipeline.Process(w.Conn, item.Command)
		if err != nil {
			w.Log.Errorf("tpm2-abrmd: worker %s: malformed command, dropping connection: %v", w.Conn.ID, err)
			return
		}
		w.Sink.Enqueue(&Outcome{Response: resp})
	}
}

// teardown implements spec.md §4.6: every session this connection owns
// is either moved into the abandonment FIFO (if the client had already
// saved it itself) or flushed from the device outright (if the resource
// manager was still holding it). Transient objects need no equivalent
// pass: the connection's HandleMap is discarded with the Connection
// itself once the caller drops its reference.
func (w *Worker) teardown() {
	var errs *multierror.Error

	evicted := w.Sessions.VisitOwnedBy(w.Conn.ID, func(e *session.Entry) session.VisitAction {
		switch e.State {
		case session.SavedClient:
			return session.Abandon
		case session.SavedRM:
			if err := w.Pipeline.Broker.ContextFlush(e.Handle); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("flush session 0x%08x: %w", e.Handle, err))
			}
			return session.Remove
		default:
			w.Log.Errorf("tpm2-abrmd: worker %s: session 0x%08x in unexpected state %s during teardown", w.Conn.ID, e.Handle, e.State)
			return session.Remove
		}
	})

	for _, e := range evicted {
		if err := w.Pipeline.Broker.ContextFlush(e.Handle); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flush evicted abandoned session 0x%08x: %w", e.Handle, err))
		}
	}

	// Accumulated via go-multierror so a connection holding several
	// sessions reports every flush failure in one log line instead of
	// only the first (SPEC_FULL.md §4.11); none of these are
	// client-visible since the connection is already gone.
	if errs.ErrorOrNil() != nil {
		w.Log.Warnf("tpm2-abrmd: worker %s: teardown: %v", w.Conn.ID, errs)
	}
}
