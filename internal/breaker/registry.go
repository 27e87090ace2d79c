package breaker

import (
	"log/slog"
	"sync"
)

// Registry creates and caches one Breaker per logical service name.
// Breakers are never removed once created.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given config.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		b = New(service, r.cfg, r.logger)
		r.breakers[service] = b
		r.logger.Info("circuit breaker created", slog.String("service", service))
	}
	return b
}

// Stats returns snapshots for every known breaker.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
