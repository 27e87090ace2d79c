// Package broadcast fans document edit notifications out to the streams
// watching a given document, so an edit made by a tool during one chat
// turn shows up in every open view of that document.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a document notification.
type EventType string

const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is one notification about a document.
type Event struct {
	Type       EventType `json:"type"`
	DocumentID string    `json:"document_id"`
	Data       string    `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Listener receives events for one document. A Listener that returns an
// error is removed from the hub; delivery to the remaining listeners
// continues.
type Listener func(Event) error

type registration struct {
	id       string
	fn       Listener
	lastSeen time.Time
}

// Config controls stale-listener eviction.
type Config struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Hub tracks listener sets per document and delivers events to them.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	listeners map[string]map[string]*registration
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		listeners: make(map[string]map[string]*registration),
	}
}

// Register adds a listener for documentID and returns a handle used to
// unregister it.
func (h *Hub) Register(documentID string, fn Listener) string {
	id := uuid.NewString()

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.listeners[documentID]
	if !ok {
		set = make(map[string]*registration)
		h.listeners[documentID] = set
	}
	set[id] = &registration{id: id, fn: fn, lastSeen: h.now()}

	h.logger.Debug("listener registered",
		slog.String("document_id", documentID),
		slog.Int("listeners", len(set)),
	)
	return id
}

// Unregister removes a listener. Unknown handles are ignored.
func (h *Hub) Unregister(documentID, listenerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.listeners[documentID]
	if !ok {
		return
	}
	delete(set, listenerID)
	if len(set) == 0 {
		delete(h.listeners, documentID)
	}
}

// Broadcast delivers ev to every listener of ev.DocumentID and returns the
// number reached. Listeners whose callback fails are dropped.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.Lock()
	set := h.listeners[ev.DocumentID]
	regs := make([]*registration, 0, len(set))
	for _, r := range set {
		r.lastSeen = h.now()
		regs = append(regs, r)
	}
	h.mu.Unlock()

	reached := 0
	var failed []string
	for _, r := range regs {
		if err := r.fn(ev); err != nil {
			failed = append(failed, r.id)
			h.logger.Warn("listener delivery failed, removing",
				slog.String("document_id", ev.DocumentID),
				slog.String("listener_id", r.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		reached++
	}

	for _, id := range failed {
		h.Unregister(ev.DocumentID, id)
	}
	if reached == 0 {
		// Zero reach on a live document usually means the watching client
		// was lost without unregistering.
		h.logger.Warn("broadcast reached no listeners",
			slog.String("document_id", ev.DocumentID),
			slog.String("type", string(ev.Type)),
		)
	}
	return reached
}

// ListenerCount reports how many listeners are watching documentID.
func (h *Hub) ListenerCount(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[documentID])
}

// Sweep evicts listeners that have not been reached for the configured
// stale interval and returns the number removed.
func (h *Hub) Sweep() int {
	cutoff := h.now().Add(-h.cfg.StaleAfter)

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for docID, set := range h.listeners {
		for id, r := range set {
			if r.lastSeen.Before(cutoff) {
				delete(set, id)
				removed++
			}
		}
		if len(set) == 0 {
			delete(h.listeners, docID)
		}
	}
	if removed > 0 {
		h.logger.Debug("stale listeners swept", slog.Int("removed", removed))
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}
