// Package server exposes the assistant over HTTP: an SSE chat endpoint, a
// document watch endpoint fed by the broadcast hub, and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inkwell/assistant-core/internal/broadcast"
	"github.com/inkwell/assistant-core/internal/domain"
	"github.com/inkwell/assistant-core/internal/orchestrator"
	"github.com/inkwell/assistant-core/internal/ratelimit"
)

// TurnRunner is what the chat handler needs from the engine.
type TurnRunner interface {
	RateLimitDecision(ctx context.Context, userID string) *ratelimit.Decision
	Run(ctx context.Context, turn orchestrator.Turn, decision *ratelimit.Decision) domain.TurnOutcome
}

type Server struct {
	Router *chi.Mux
	Port   int

	engine TurnRunner
	hub    *broadcast.Hub
	logger *slog.Logger
}

func New(port int, engine TurnRunner, hub *broadcast.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		Router: chi.NewRouter(),
		Port:   port,
		engine: engine,
		hub:    hub,
		logger: logger,
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "assistant-core")
	})

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/{conversationID}/stream", s.handleChatStream)
	r.Get("/v1/documents/{documentID}/watch", s.handleDocumentWatch)

	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// HTTPServer returns the configured http.Server for graceful shutdown.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
}
