// Package transport accepts real-time connections and turns their frames into
// relay requests. Frame handling is shared; each transport only adapts its
// socket to registry.Conn.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/osail-liaso/relay/internal/protocol"
	"github.com/osail-liaso/relay/internal/registry"
	"github.com/osail-liaso/relay/internal/relay"
)

// Relay runs one prompt request to completion.
type Relay interface {
	Handle(ctx context.Context, req *relay.Request)
}

// AccountResolver maps a prompt token to its account. (nil, nil) means anonymous.
type AccountResolver interface {
	FindAccountByToken(ctx context.Context, token string) (*models.Account, error)
}

// Listener owns frame parsing and dispatch for every transport.
type Listener struct {
	registry *registry.Registry
	relay    Relay
	accounts AccountResolver
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewListener creates a listener. accounts and collector may be nil.
func NewListener(reg *registry.Registry, r Relay, accounts AccountResolver, logger *slog.Logger, collector *metrics.Collector) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		registry: reg,
		relay:    r,
		accounts: accounts,
		logger:   logger,
		metrics:  collector,
	}
}

// Accept registers conn and sends its identification frame. The returned
// context is cancelled when the connection is disconnected.
func (l *Listener) Accept(conn registry.Conn) (string, context.Context) {
	id, ctx := l.registry.Register(conn)
	l.metrics.ConnectionOpened(conn.Kind())

	data, err := json.Marshal(protocol.Identify{UUID: id, RealTimeProtocol: conn.Kind()})
	if err == nil {
		err = conn.Send(data)
	}
	if err != nil {
		l.logger.Warn("send identification failed", "connection_id", id, "error", err)
	}

	l.logger.Info("client connected", "connection_id", id, "kind", conn.Kind())
	return id, ctx
}

// Disconnect unregisters the connection. Safe to call more than once.
func (l *Listener) Disconnect(id string) {
	conn, ok := l.registry.Lookup(id)
	if !ok {
		return
	}
	l.registry.Unregister(id)
	l.metrics.ConnectionClosed(conn.Kind())
	l.logger.Info("client disconnected", "connection_id", id, "kind", conn.Kind())
}

// HandleFrame processes one inbound frame received on conn. ctx is the
// receiving connection's context. Prompts run on their own goroutine.
func (l *Listener) HandleFrame(ctx context.Context, conn registry.Conn, raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		l.logger.Debug("malformed frame", "kind", conn.Kind(), "error", err)
		l.sendError(conn, protocol.ErrProcessingMessage)
		return
	}
	if in.UUID == "" {
		l.sendError(conn, protocol.ErrMissingUUID)
		return
	}

	switch in.Type {
	case protocol.TypePing:
		l.registry.Deliver(in.UUID, in.Session, protocol.TypePong, nil)
	case protocol.TypePrompt:
		// Events go to the connection named in the frame, and stop when it goes away.
		if target, ok := l.registry.Context(in.UUID); ok {
			ctx = target
		}
		if !l.track() {
			l.logger.Debug("prompt dropped during shutdown", "connection_id", in.UUID, "session", in.Session)
			return
		}
		go func() {
			defer l.wg.Done()
			l.handlePrompt(ctx, conn, in)
		}()
	default:
		l.registry.Deliver(in.UUID, in.Session, protocol.TypeError, protocol.StringPtr(protocol.ErrUnrecognizedType))
	}
}

func (l *Listener) handlePrompt(ctx context.Context, conn registry.Conn, in *protocol.Inbound) {
	var acct *models.Account
	if in.Token != "" && l.accounts != nil {
		var err error
		acct, err = l.accounts.FindAccountByToken(ctx, in.Token)
		if err != nil {
			l.logger.Error("resolve account", "connection_id", in.UUID, "session", in.Session, "error", err)
			l.sendError(conn, protocol.ErrProcessingMessage)
			return
		}
	}

	l.relay.Handle(ctx, &relay.Request{
		Account:      acct,
		Provider:     in.ProviderOrDefault(),
		ConnectionID: in.UUID,
		Session:      in.Session,
		Model:        in.ModelOrDefault(),
		Messages:     in.MessageHistory,
		SystemPrompt: in.SystemPrompt,
		UserPrompt:   in.UserPrompt,
		Temperature:  float64(in.Temperature),
	})
}

// sendError replies on the receiving socket with a bare {"message": ...} frame.
func (l *Listener) sendError(conn registry.Conn, message string) {
	data, err := json.Marshal(protocol.ErrorReply{Message: message})
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		l.logger.Debug("send error reply failed", "kind", conn.Kind(), "error", err)
	}
}

// track counts a new prompt goroutine unless Wait has started.
func (l *Listener) track() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.wg.Add(1)
	return true
}

// Wait stops accepting prompts and blocks until every in-flight prompt has finished.
func (l *Listener) Wait() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.wg.Wait()
}
