// Package queue implements the inbound/outbound FIFO endpoints of
// spec.md §6: a blocking-dequeue queue carrying TPM2 commands and
// in-band control messages, modeled as a channel-backed queue in the
// style of the producer/consumer queues in the domain stack (compare
// the channel-per-connection dispatch in
// multiclustertunnel's packetConnManager and the blocking ring used by
// go-ublk's queue runner).
package queue

import (
	"github.com/canonical/go-tpm2"
	"github.com/google/uuid"

	"github.com/bseazeng/tpm2-abrmd/internal/wire"
)

// ControlCode identifies an in-band control message (spec.md §4.7).
type ControlCode int

const (
	// CheckCancel asks the worker to forward this message to the sink
	// and terminate its loop. It is also the message an external
	// caller enqueues to unblock a worker cooperatively (spec.md §9).
	CheckCancel ControlCode = iota
	// ConnectionRemoved asks the worker to run connection teardown
	// (spec.md §4.6) before forwarding this message onward.
	ConnectionRemoved
)

// Control is an in-band control message.
type Control struct {
	Code         ControlCode
	ConnectionID uuid.UUID
}

// Item is one element dequeued by a worker: either a command or a
// control message, never both. A nil *Item is the sentinel that also
// terminates the worker loop (spec.md §4.7).
type Item struct {
	Command      wire.CommandPacket
	CommandCode  tpm2.CommandCode
	Control      *Control
	ConnectionID uuid.UUID
}

// IsSentinel reports whether this item is the null/terminating item.
func (i *Item) IsSentinel() bool {
	return i == nil
}

// Queue is a blocking FIFO of Items. The zero value is not usable; use
// New. Queue is safe for concurrent Enqueue and Dequeue.
type Queue struct {
	items chan *Item
}

// New returns an empty Queue with the given buffer depth. A depth of 0
// yields an unbuffered (synchronous handoff) queue.
func New(depth int) *Queue {
	return &Queue{items: make(chan *Item, depth)}
}

// Enqueue adds item to the tail of the queue, blocking if the queue is
// at capacity.
func (q *Queue) Enqueue(item *Item) {
	q.items <- item
}

// Dequeue blocks until an item is available and returns it.
func (q *Queue) Dequeue() *Item {
	return <-q.items
}
