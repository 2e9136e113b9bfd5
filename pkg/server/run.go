package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/NicolasHaas/pirelay/pkg/version"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.Shutdown()
		return fmt.Errorf("server: listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ln) }()

	for _, e := range s.relays {
		backend := e.cfg.SocketPath
		if e.cfg.Transport == TransportWebSocket {
			backend = e.cfg.URL
		}
		slog.Info("relay route", "route", e.cfg.Route, "transport", e.cfg.Transport, "backend", backend,
			"reconnect_delay", e.cfg.ReconnectDelay, "connect_timeout", e.cfg.ConnectTimeout)
	}
	slog.Info("pirelay running", "listen", ln.Addr().String(), version.Attr())

	// Start periodic metrics logging
	if s.cfg.Metrics.Enabled {
		s.metrics.StartPeriodicLog(s.cfg.Metrics.LogInterval, s.ctx.Done())
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		slog.Info("shutting down...")
		s.Shutdown()
		return nil
	case err := <-serveErr:
		s.Shutdown()
		return err
	}
}

// Serve accepts HTTP connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server. Open streams are ended first so the
// HTTP server can drain.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	for _, e := range s.relays {
		e.manager.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	cancel()
	s.cancel()
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("close store", "err", err)
		}
	}
}
