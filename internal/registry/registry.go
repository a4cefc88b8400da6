// Package registry tracks live real-time connections and delivers events to them.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/osail-liaso/relay/internal/protocol"
)

// Conn is one live transport endpoint.
type Conn interface {
	// Kind returns the transport tag, e.g. "websockets" or "socket.io".
	Kind() string
	// Send queues one serialized frame. Frames go out in Send order. Send may
	// wait for a slow peer but returns once the connection closes.
	Send(data []byte) error
	Close() error
}

type entry struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry owns the connection table.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		logger: logger,
	}
}

// Register stores conn under a fresh identifier. The returned context is
// cancelled when the connection is unregistered.
func (r *Registry) Register(conn Conn) (string, context.Context) {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.conns[id] = &entry{conn: conn, ctx: ctx, cancel: cancel}
	r.mu.Unlock()

	r.logger.Debug("connection registered", "connection_id", id, "kind", conn.Kind())
	return id, ctx
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Context returns the lifetime context of connection id.
func (r *Registry) Context(id string) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// Deliver sends one event to a connection. An unknown id and send failures are
// logged and otherwise ignored.
func (r *Registry) Deliver(id, session, eventType string, message *string) {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("no client found", "connection_id", id, "session", session, "type", eventType)
		return
	}

	data, err := json.Marshal(protocol.Outbound{
		Session:          session,
		Type:             eventType,
		Message:          message,
		RealTimeProtocol: e.conn.Kind(),
	})
	if err != nil {
		r.logger.Error("encode outbound frame", "connection_id", id, "error", err)
		return
	}

	if err := e.conn.Send(data); err != nil {
		r.logger.Warn("deliver failed", "connection_id", id, "session", session, "type", eventType, "error", err)
	}
}

// Unregister removes a connection and cancels its context. Safe to call repeatedly.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	e.cancel()
	r.logger.Debug("connection unregistered", "connection_id", id, "kind", e.conn.Kind())
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.conns
	r.conns = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		e.cancel()
		if err := e.conn.Close(); err != nil {
			r.logger.Debug("close connection", "connection_id", id, "error", err)
		}
	}
}
