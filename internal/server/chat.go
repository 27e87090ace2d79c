package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell/assistant-core/internal/domain"
	"github.com/inkwell/assistant-core/internal/orchestrator"
	"github.com/inkwell/assistant-core/internal/ratelimit"
)

type chatRequest struct {
	Message string `json:"message"`
}

// handleChatStream runs one turn and streams its live events as SSE.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}

	decision := s.engine.RateLimitDecision(r.Context(), userID)
	writeRateLimitHeaders(w, decision)
	if decision != nil && !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())+1))
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := func(ev orchestrator.Event) {
		writeSSE(w, flusher, string(ev.Type), ev)
	}

	outcome := s.engine.Run(r.Context(), orchestrator.Turn{
		ConversationID: conversationID,
		UserID:         userID,
		UserMessage:    req.Message,
		Events:         sink,
	}, decision)

	if outcome.Outcome == domain.OutcomeAborted {
		s.logger.Warn("turn aborted",
			"conversation_id", conversationID,
			"reason", outcome.AbortReason,
		)
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
