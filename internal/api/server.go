// Package api serves the operator HTTP surface:
//
//	GET  /health                 liveness and version
//	GET  /config                 non-secret configuration
//	GET  /arbitrage              fresh two-venue scan with detection results
//	GET  /status                 risk manager, breaker, kill switch, database
//	GET  /positions              open positions and exposure
//	GET  /latency                execution latency percentiles
//	GET  /streams                data feed connection status
//	GET  /stream                 SSE event stream
//	GET  /metrics                Prometheus scrape endpoint
//	GET  /alerts                 Telegram alerter status
//	POST /kill-switch            activate the kill switch (bearer token)
//	POST /kill-switch/deactivate lift the kill switch (bearer token)
//
// Read endpoints are open; the two kill-switch routes require the
// configured bearer token.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"btcarb/internal/config"
	"btcarb/internal/engine"
)

// Server runs the operator API on top of a running engine.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	log      *slog.Logger
}

// NewServer builds the router and the http.Server. The engine supplies every
// component the handlers read; fullCfg feeds /health and /config.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, fullCfg config.Config, logger *slog.Logger) *Server {
	h := NewHandlers(eng, fullCfg, logger)

	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/config", h.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/arbitrage", h.handleArbitrage).Methods(http.MethodGet)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/positions", h.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/latency", h.handleLatency).Methods(http.MethodGet)
	r.HandleFunc("/streams", h.handleStreams).Methods(http.MethodGet)
	r.HandleFunc("/stream", h.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/alerts", h.handleAlerts).Methods(http.MethodGet)
	r.Handle("/metrics", eng.GetMetrics().Handler()).Methods(http.MethodGet)
	r.HandleFunc("/kill-switch", h.requireBearer(h.handleKillSwitch)).Methods(http.MethodPost)
	r.HandleFunc("/kill-switch/deactivate", h.requireBearer(h.handleKillSwitchDeactivate)).Methods(http.MethodPost)

	// CORS wraps outside the router so preflight OPTIONS requests are
	// answered even when no route matches the method.
	handler := requestLogger(logger, corsHandler(cfg.AllowedOrigins, r))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
		// No WriteTimeout: /stream holds its connection open for the
		// life of the subscriber.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: h,
		server:   server,
		log:      logger.With("component", "api"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.log.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.log.Info("api server stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
