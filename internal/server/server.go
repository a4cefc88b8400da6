// Package server exposes the real-time transports and the operational
// endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/osail-liaso/relay/internal/llm"
	"github.com/osail-liaso/relay/internal/metrics"
)

// Providers reports the registered provider adapters.
type Providers interface {
	Names() []string
	Lookup(name string) (llm.Provider, bool)
}

// ConnectionCounter reports live connections.
type ConnectionCounter interface {
	Len() int
}

// Options selects the transports to mount. A nil handler leaves its route unmounted.
type Options struct {
	WebSocket http.Handler
	SocketIO  http.Handler
}

// Server wraps the echo instance with its dependencies.
type Server struct {
	echo        *echo.Echo
	connections ConnectionCounter
	providers   Providers
	metrics     *metrics.Collector
	logger      *slog.Logger
}

// New creates the server and registers its routes.
func New(logger *slog.Logger, connections ConnectionCounter, providers Providers, collector *metrics.Collector, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(LoggingMiddleware(logger))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisableErrorHandler: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("handler panicked", "path", c.Request().URL.Path, "error", err, "stack", string(stack))
			return err
		},
	}))

	s := &Server{
		echo:        e,
		connections: connections,
		providers:   providers,
		metrics:     collector,
		logger:      logger,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/stats", s.handleStats)
	if opts.WebSocket != nil {
		e.GET("/ws", echo.WrapHandler(opts.WebSocket))
	}
	if opts.SocketIO != nil {
		e.Any("/socket.io/", echo.WrapHandler(opts.SocketIO))
		e.Any("/socket.io/*", echo.WrapHandler(opts.SocketIO))
	}

	return s
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status      string   `json:"status"`
	Connections int      `json:"connections"`
	Providers   []string `json:"providers"`
}

// handleHealth lists providers usable without an account key.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "healthy", Providers: []string{}}
	if s.connections != nil {
		resp.Connections = s.connections.Len()
	}
	if s.providers != nil {
		for _, name := range s.providers.Names() {
			if p, ok := s.providers.Lookup(name); ok && p.Available(nil) {
				resp.Providers = append(resp.Providers, name)
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}
