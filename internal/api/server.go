// Package api is the operator surface: a small HTTP API for inspecting and
// steering the trader, plus a websocket that relays the journal's event
// stream to dashboards in real time.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Events is the journal subscription the websocket stream feeds from.
type Events interface {
	Subscribe() (<-chan types.JournalEvent, func())
}

// Server runs the operator HTTP and websocket API.
type Server struct {
	cfg    config.ServerConfig
	events Events
	hub    *Hub
	server *http.Server
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewServer wires the routes. Start listens; Stop shuts down gracefully.
func NewServer(cfg config.ServerConfig, ctrl Controller, events Events, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ctrl, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /api/status", handlers.handleStatus)
	mux.HandleFunc("GET /api/account/balance", handlers.handleBalance)
	mux.HandleFunc("GET /api/account/positions", handlers.handlePositions)
	mux.HandleFunc("GET /api/orders/open", handlers.handleOpenOrders)
	mux.HandleFunc("GET /api/risk", handlers.handleRisk)
	mux.HandleFunc("POST /api/trade/execute", handlers.handleExecute)
	mux.HandleFunc("POST /api/trading/start", handlers.handleStart)
	mux.HandleFunc("POST /api/trading/stop", handlers.handleStop)
	mux.HandleFunc("POST /api/trading/halt", handlers.handleHalt)
	mux.HandleFunc("POST /api/trading/reset-circuit", handlers.handleResetCircuit)
	mux.HandleFunc("GET /ws", handlers.handleWebSocket)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		events: events,
		hub:    hub,
		server: server,
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, the journal relay, and the listener. It blocks until
// Stop is called or the listener fails.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.relayEvents(ctx)

	s.logger.Info("operator API listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and disconnects websocket clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator API")
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// relayEvents forwards the journal's commit stream to the websocket hub.
func (s *Server) relayEvents(ctx context.Context) {
	events, cancel := s.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
