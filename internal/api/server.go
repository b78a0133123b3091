// Package api is the thin HTTP/WS facade over Query and Bus — /health,
// /api/query/*, /ws — wiring only, no generated OpenAPI surface and no
// content-negotiation layer (spec.md §1 puts the HTTP router itself out of
// scope; this package is the runnable body the contract still needs).
//
// Grounded on the teacher's internal/api/server.go (one http.ServeMux,
// one *http.Server with fixed timeouts, a WS hub/handlers split).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"spin-indexer/internal/bus"
	"spin-indexer/internal/config"
	"spin-indexer/internal/query"
)

// Server runs the query/stream HTTP surface.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the query and bus facades into one http.ServeMux.
func NewServer(cfg config.ServerConfig, cors config.CORSConfig, q *query.Query, b *bus.Bus, logger *slog.Logger) *Server {
	handlers := NewHandlers(q, b, cors, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/query/tokens", handlers.HandleListTokens)
	mux.HandleFunc("/api/query/events", handlers.HandleListEvents)
	mux.HandleFunc("/api/query/token-details", handlers.HandleGetTokenDetails)
	mux.HandleFunc("/api/query/orders", handlers.HandleListOrders)
	mux.HandleFunc("/api/query/user-events", handlers.HandleListUserEvents)
	mux.HandleFunc("/api/query/candles", handlers.HandleListCandles)
	mux.HandleFunc("/api/query/status", handlers.HandleStatus)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   httpServer,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop shuts the server down.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests within a bounded deadline.
func (s *Server) Stop() error {
	s.logger.Info("api server stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
