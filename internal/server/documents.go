package server

import (
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell/assistant-core/internal/broadcast"
)

// handleDocumentWatch streams the broadcast hub's events for one document as
// SSE until the client disconnects.
func (s *Server) handleDocumentWatch(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

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

	// Listener callbacks arrive from broadcasting turns; writes need to be
	// serialized against the disconnect path.
	var mu sync.Mutex
	done := false

	listenerID := s.hub.Register(documentID, func(ev broadcast.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return errors.New("watcher closed")
		}
		writeSSE(w, flusher, string(ev.Type), ev)
		return nil
	})

	<-r.Context().Done()

	mu.Lock()
	done = true
	mu.Unlock()
	s.hub.Unregister(documentID, listenerID)
}
