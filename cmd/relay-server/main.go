// Package main provides the relay server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osail-liaso/relay/internal/accounts"
	"github.com/osail-liaso/relay/internal/auth"
	"github.com/osail-liaso/relay/internal/config"
	"github.com/osail-liaso/relay/internal/llm"
	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/registry"
	"github.com/osail-liaso/relay/internal/relay"
	"github.com/osail-liaso/relay/internal/server"
	"github.com/osail-liaso/relay/internal/transport"
	"github.com/osail-liaso/relay/internal/usage"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("relay-server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg, "relay-server")
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("relay-server starting",
		"version", version,
		"port", cfg.Port,
		"account_store", cfg.AccountStore,
		"websockets", cfg.EnableWebSockets,
		"socket_io", cfg.EnableSocketIO,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, closeStore, err := accounts.Open(connectCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing account store")
		if err := closeStore(); err != nil {
			logger.Error("failed to close account store", "error", err)
		}
	}()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, every connection is anonymous")
	}
	accountService := accounts.NewService(auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience), store,
		cfg.CharactersReserveDefault, logger, collector)

	providers, err := llm.FromConfig(cfg, logger)
	if err != nil {
		return err
	}

	connections := registry.New(logger)
	relayer := relay.New(connections, providers, usage.NewAccountant(store, logger, collector),
		relay.WithLogger(logger),
		relay.WithTimeout(cfg.RequestTimeout),
		relay.WithMetrics(collector),
	)
	listener := transport.NewListener(connections, relayer, accountService, logger, collector)

	var opts server.Options
	if cfg.EnableWebSockets {
		opts.WebSocket = transport.NewWebSocketServer(listener, transport.WebSocketOptions{
			PingInterval:   cfg.PingInterval,
			WriteTimeout:   cfg.WriteTimeout,
			ReadTimeout:    cfg.ReadTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
			SendBufferSize: cfg.SendBufferSize,
		}, logger)
	}
	var sio *transport.SocketIOServer
	if cfg.EnableSocketIO {
		sio = transport.NewSocketIOServer(listener, cfg.PingInterval, logger)
		opts.SocketIO = sio
	}

	srv := server.New(logger, connections, providers, collector, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(":" + cfg.Port)
	})
	if sio != nil {
		g.Go(func() error {
			if err := sio.Serve(); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		if sio != nil {
			if err := sio.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		connections.CloseAll()
		listener.Wait()
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
