package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	eiotransport "github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	eiows "github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/osail-liaso/relay/internal/protocol"
)

const (
	// socketEvent is the socket.io event carrying every frame in both directions.
	socketEvent = "message"

	sioSendBuffer = 256
)

// sioConn adapts a socket.io connection to registry.Conn. go-socket.io only
// starts writing after the connect handler returns, so frames are queued and
// emitted by writeLoop rather than from the caller's goroutine.
type sioConn struct {
	*outbox
	conn socketio.Conn
}

func newSioConn(c socketio.Conn, buffer int) *sioConn {
	return &sioConn{outbox: newOutbox(buffer), conn: c}
}

func (c *sioConn) Kind() string { return protocol.KindSocketIO }

// Send queues data as a JSON string on the "message" event.
func (c *sioConn) Send(data []byte) error {
	return c.push(data)
}

// Close stops the writer and closes the socket. The library runs the
// disconnect handler from inside conn.Close.
func (c *sioConn) Close() error {
	c.stop()
	return c.conn.Close()
}

// writeLoop emits queued frames in order until the connection closes. Emit
// returns once go-socket.io has shut the connection down.
func (c *sioConn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.Emit(socketEvent, string(data))
		case <-c.done:
			return
		}
	}
}

// sioSession is stored as the socket.io connection context.
type sioSession struct {
	id   string
	ctx  context.Context
	conn *sioConn
}

// SocketIOServer serves the "socket.io" transport.
type SocketIOServer struct {
	listener *Listener
	server   *socketio.Server
	logger   *slog.Logger
}

// NewSocketIOServer creates the socket.io transport. Call Serve before handling requests.
func NewSocketIOServer(l *Listener, pingInterval time.Duration, logger *slog.Logger) *SocketIOServer {
	if logger == nil {
		logger = slog.Default()
	}
	allowOrigin := func(r *http.Request) bool { return true }

	s := &SocketIOServer{
		listener: l,
		logger:   logger,
		server: socketio.NewServer(&engineio.Options{
			PingInterval: pingInterval,
			Transports: []eiotransport.Transport{
				&polling.Transport{Client: &http.Client{Timeout: time.Minute}, CheckOrigin: allowOrigin},
				&eiows.Transport{CheckOrigin: allowOrigin},
			},
		}),
	}

	s.server.OnConnect("/", s.onConnect)
	s.server.OnEvent("/", socketEvent, s.onMessage)
	s.server.OnError("/", s.onError)
	s.server.OnDisconnect("/", s.onDisconnect)
	return s
}

func (s *SocketIOServer) onConnect(c socketio.Conn) error {
	conn := newSioConn(c, sioSendBuffer)
	go conn.writeLoop()
	id, ctx := s.listener.Accept(conn)
	c.SetContext(&sioSession{id: id, ctx: ctx, conn: conn})
	return nil
}

func (s *SocketIOServer) onMessage(c socketio.Conn, msg string) {
	sess, ok := c.Context().(*sioSession)
	if !ok {
		s.logger.Warn("socket.io message before connect", "sid", c.ID())
		return
	}
	s.listener.HandleFrame(sess.ctx, sess.conn, []byte(msg))
}

func (s *SocketIOServer) onError(c socketio.Conn, err error) {
	if c == nil {
		s.logger.Warn("socket.io error", "error", err)
		return
	}
	s.logger.Warn("socket.io error", "sid", c.ID(), "error", err)
}

func (s *SocketIOServer) onDisconnect(c socketio.Conn, reason string) {
	sess, ok := c.Context().(*sioSession)
	if !ok {
		return
	}
	sess.conn.stop()
	s.listener.Disconnect(sess.id)
	s.logger.Debug("socket.io disconnect", "connection_id", sess.id, "reason", reason)
}

// Serve runs the socket.io event loop until Close.
func (s *SocketIOServer) Serve() error {
	return s.server.Serve()
}

// Close stops the socket.io server.
func (s *SocketIOServer) Close() error {
	return s.server.Close()
}

// ServeHTTP handles engine.io polling and upgrade requests.
func (s *SocketIOServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.ServeHTTP(w, r)
}
