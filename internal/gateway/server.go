// Package gateway runs the shared HTTP listener: the WebSocket mount for the
// web surface, inbound webhook mounts for Telegram and Twilio, and the
// health endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/registry"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry

	wsHandler       http.HandlerFunc
	telegramHandler http.HandlerFunc
	twilioHandler   http.HandlerFunc

	httpServer *http.Server
}

// NewServer creates the gateway server over the registry.
func NewServer(cfg *config.Config, reg *registry.Registry) *Server {
	return &Server{cfg: cfg, registry: reg}
}

// SetWebSocketHandler mounts the web surface at /ws.
func (s *Server) SetWebSocketHandler(h http.HandlerFunc) { s.wsHandler = h }

// SetTelegramWebhook mounts the Telegram webhook at /webhooks/telegram.
func (s *Server) SetTelegramWebhook(h http.HandlerFunc) { s.telegramHandler = h }

// SetTwilioWebhook mounts the Twilio webhook at /webhooks/twilio.
func (s *Server) SetTwilioWebhook(h http.HandlerFunc) { s.twilioHandler = h }

// BuildMux assembles the route table.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.wsHandler != nil {
		mux.HandleFunc("/ws", s.wsHandler)
	}
	if s.telegramHandler != nil {
		mux.HandleFunc("/webhooks/telegram", s.telegramHandler)
	}
	if s.twilioHandler != nil {
		mux.HandleFunc("/webhooks/twilio", s.twilioHandler)
	}
	return mux
}

// Start listens until ctx is cancelled, then drains with a 5s grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth reports overall liveness and per-channel adapter status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"channels": s.registry.Statuses(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}
