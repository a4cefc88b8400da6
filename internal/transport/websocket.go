package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/osail-liaso/relay/internal/protocol"
)

// WebSocketOptions tunes the websocket transport.
type WebSocketOptions struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

func (o *WebSocketOptions) withDefaults() WebSocketOptions {
	out := *o
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.ReadTimeout <= out.PingInterval {
		out.ReadTimeout = out.PingInterval * 2
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = 1 << 20
	}
	if out.SendBufferSize <= 0 {
		out.SendBufferSize = 256
	}
	return out
}

// wsConn adapts a gorilla connection to registry.Conn. All writes happen on
// the write pump; Send only queues. A peer that stops reading is closed by
// the write deadline, which releases any sender waiting on the queue.
type wsConn struct {
	*outbox
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{outbox: newOutbox(buffer), ws: ws}
}

func (c *wsConn) Kind() string { return protocol.KindWebSockets }

// Send queues data for the write pump.
func (c *wsConn) Send(data []byte) error {
	return c.push(data)
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	c.stop()
	return nil
}

// WebSocketServer serves the "websockets" transport.
type WebSocketServer struct {
	listener *Listener
	upgrader websocket.Upgrader
	opts     WebSocketOptions
	logger   *slog.Logger
}

// NewWebSocketServer creates the websocket transport handler.
func NewWebSocketServer(l *Listener, opts WebSocketOptions, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		listener: l,
		opts:     opts.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws, s.opts.SendBufferSize)
	id, ctx := s.listener.Accept(conn)

	go s.writePump(conn)
	s.readPump(ctx, id, conn)
}

func (s *WebSocketServer) readPump(ctx context.Context, id string, conn *wsConn) {
	defer func() {
		s.listener.Disconnect(id)
		conn.Close()
	}()

	conn.ws.SetReadLimit(s.opts.MaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "connection_id", id, "error", err)
			}
			return
		}
		s.listener.HandleFrame(ctx, conn, message)
	}
}

func (s *WebSocketServer) writePump(conn *wsConn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
