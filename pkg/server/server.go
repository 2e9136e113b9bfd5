// Package server exposes relay.Managers over HTTP: one route per backend
// plus transcript history, metrics and health endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/relay"
	"github.com/NicolasHaas/pirelay/pkg/store"
	"github.com/NicolasHaas/pirelay/pkg/transport"
)

const shutdownTimeout = 5 * time.Second

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store store.Transcript // nil disables history

	// Dialers overrides the configured dialer per relay section name
	// ("chat", "gochat").
	Dialers map[string]transport.Dialer
}

// relayEntry binds one configured backend to its manager and HTTP handler.
type relayEntry struct {
	name    string
	cfg     RelayConfig
	manager *relay.Manager
	handler *ChatHandler
	metrics *RelayMetrics
}

// Server is the pirelay HTTP server.
type Server struct {
	cfg      Config
	metrics  *Metrics
	store    store.Transcript
	recorder *Recorder
	relays   []*relayEntry
	handler  http.Handler
	httpSrv  *http.Server
	ctx      context.Context
	cancel   context.CancelFunc

	shutdownOnce sync.Once
}

// New creates a new Server instance. Each enabled relay gets its own
// registry and manager; nothing dials until a user logs in.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
		store:   deps.Store,
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.store != nil {
		s.recorder = NewRecorder(s.store, s.metrics)
	}

	for _, nr := range cfg.relays() {
		dialer := nr.cfg.Dialer()
		if d, ok := deps.Dialers[nr.name]; ok {
			dialer = d
		}
		rm := s.metrics.Relay(nr.name)
		mgr := relay.NewManager(relay.Options{
			Name:           nr.name,
			Dialer:         dialer,
			Registry:       relay.NewRegistry(),
			Policy:         nr.cfg.Policy(),
			ListenerBuffer: nr.cfg.ListenerBuffer,
			Observer:       &relayObserver{relay: nr.name, metrics: rm, recorder: s.recorder},
		})
		s.relays = append(s.relays, &relayEntry{
			name:    nr.name,
			cfg:     nr.cfg,
			manager: mgr,
			metrics: rm,
			handler: NewChatHandler(HandlerOptions{
				Name:             nr.name,
				Relay:            mgr,
				Format:           nr.cfg.StreamFormat,
				TeardownOnCancel: nr.cfg.TeardownOnCancel,
				History:          s.store,
				HistoryLimit:     cfg.History.Limit,
				Metrics:          s.metrics,
			}),
		})
	}

	mux := http.NewServeMux()
	for _, e := range s.relays {
		mux.Handle(e.cfg.Route, e.handler)
		mux.HandleFunc(e.cfg.Route+"/history", e.handler.ServeHistory)
	}
	if cfg.Metrics.Enabled {
		mux.HandleFunc("/metrics", s.handleMetrics)
		mux.HandleFunc("/healthz", s.handleHealth)
	}
	s.handler = withRequestID(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Manager returns the relay manager for a config section name, or nil.
func (s *Server) Manager(name string) *relay.Manager {
	for _, e := range s.relays {
		if e.name == name {
			return e.manager
		}
	}
	return nil
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
