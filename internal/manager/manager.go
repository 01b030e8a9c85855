// Package manager implements the process-wide glue described in
// SPEC_FULL.md §4.8: a single session.List and access broker shared by
// one worker goroutine per registered connection. It is the one piece
// of the daemon spec.md treats as out of scope ("connection manager and
// connection objects... provided outside the core"): everything here
// is wiring, not resource-manager logic.
package manager

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bseazeng/tpm2-abrmd/internal/broker"
	"github.com/bseazeng/tpm2-abrmd/internal/connection"
	"github.com/bseazeng/tpm2-abrmd/internal/logging"
	"github.com/bseazeng/tpm2-abrmd/internal/pipeline"
	"github.com/bseazeng/tpm2-abrmd/internal/queue"
	"github.com/bseazeng/tpm2-abrmd/internal/session"
	"github.com/bseazeng/tpm2-abrmd/internal/worker"
)

// Manager owns the resources spec.md §5 describes as process-wide: the
// access broker and the session.List. Each registered connection gets
// its own inbound queue.Queue and worker.Worker goroutine, serialized
// against the shared broker by broker.Serialized (SPEC_FULL.md §4.8).
type Manager struct {
	Broker   broker.AccessBroker
	Sessions *session.List
	Pipeline *pipeline.Pipeline
	Log      logging.Logger

	ObjectQuota  int
	SessionQuota int

	mu    sync.Mutex
	conns map[uuid.UUID]*registeredConn
}

type registeredConn struct {
	conn    *connection.Connection
	inbound *queue.Queue
}

// New builds a Manager around dev (the opened access broker), wrapping
// it in broker.Serialized so every connection's worker shares the one
// physical device channel without interleaving calls. objectQuota and
// sessionQuota are the per-connection limits passed to every new
// connection's HandleMap and charged against the shared session.List;
// 0 selects each package's own default.
func New(dev broker.AccessBroker, objectQuota, sessionQuota int, log logging.Logger) *Manager {
	sessions := session.New(sessionQuota)
	shared := broker.NewSerialized(dev)
	return &Manager{
		Broker:       shared,
		Sessions:     sessions,
		Pipeline:     pipeline.New(shared, sessions, log),
		Log:          log,
		ObjectQuota:  objectQuota,
		SessionQuota: sessionQuota,
		conns:        make(map[uuid.UUID]*registeredConn),
	}
}

// Register creates a new Connection with a fresh inbound queue, starts
// its worker goroutine delivering outcomes to sink, and returns the
// connection's identity and queue for the (external) connection
// manager to wire to its transport.
func (m *Manager) Register(sink worker.Sink) (*connection.Connection, *queue.Queue) {
	conn := connection.New(m.ObjectQuota)
	inbound := queue.New(0)
	w := worker.New(conn, inbound, m.Pipeline, m.Sessions, sink, m.Log)

	m.mu.Lock()
	m.conns[conn.ID] = &registeredConn{conn: conn, inbound: inbound}
	m.mu.Unlock()

	go w.Run()
	return conn, inbound
}

// Remove signals connection teardown (spec.md §4.6) by enqueuing a
// ConnectionRemoved control message on id's own inbound queue, so
// teardown runs on that connection's worker goroutine after any
// command already ahead of it in the queue, preserving the
// per-connection ordering spec.md §5 requires. The connection is
// forgotten immediately; the worker goroutine exits on its own once it
// next dequeues a CheckCancel or sentinel.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mu.Lock()
	r, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("tpm2-abrmd: unknown connection %s", id)
	}
	r.inbound.Enqueue(&queue.Item{
		Control:      &queue.Control{Code: queue.ConnectionRemoved, ConnectionID: id},
		ConnectionID: id,
	})
	return nil
}

// Shutdown asks every registered worker to stop by enqueuing
// CheckCancel on each connection's inbound queue (spec.md §4.7, §9's
// cooperative external-unblock path), then forgets all connections.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.conns {
		r.inbound.Enqueue(&queue.Item{
			Control:      &queue.Control{Code: queue.CheckCancel, ConnectionID: id},
			ConnectionID: id,
		})
		delete(m.conns, id)
	}
}
