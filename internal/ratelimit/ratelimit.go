// Package ratelimit implements a plan-aware sliding-window request limiter
// keyed by caller identity.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TierResolver reports the subscription tier name for an identity. It is a
// collaborator boundary; resolution results are cached with a short TTL.
type TierResolver interface {
	GetTier(ctx context.Context, identity string) (string, error)
}

// TierResolverFunc adapts a function to the TierResolver interface.
type TierResolverFunc func(ctx context.Context, identity string) (string, error)

func (f TierResolverFunc) GetTier(ctx context.Context, identity string) (string, error) {
	return f(ctx, identity)
}

// Config controls window size and per-tier ceilings.
type Config struct {
	Window        time.Duration
	DefaultLimit  int
	TierLimits    map[string]int
	TierCacheTTL  time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 20
	}
	if c.TierCacheTTL <= 0 {
		c.TierCacheTTL = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

type cachedTier struct {
	name      string
	expiresAt time.Time
}

// Limiter counts requests per identity in fixed windows. An expired window
// is treated as fresh on next use; a background sweep drops idle records to
// bound memory.
type Limiter struct {
	cfg      Config
	resolver TierResolver
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	tierMu sync.Mutex
	tiers  map[string]cachedTier
}

// New creates a limiter. resolver may be nil, in which case every identity
// gets the default ceiling.
func New(cfg Config, resolver TierResolver, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		windows:  make(map[string]*window),
		tiers:    make(map[string]cachedTier),
	}
}

// Check counts one request for identity and reports whether it is within
// the ceiling for the identity's tier.
func (l *Limiter) Check(ctx context.Context, identity string) Decision {
	limit := l.limitFor(ctx, identity)
	now := l.now()

	w := l.windowFor(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.cfg.Window)
	}
	w.count++

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   w.count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   w.resetAt,
	}
	if !d.Allowed {
		l.logger.Warn("rate limit exceeded",
			slog.String("identity", identity),
			slog.Int("limit", limit),
			slog.Time("reset_at", w.resetAt),
		)
	}
	return d
}

func (l *Limiter) windowFor(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok {
		w = &window{}
		l.windows[identity] = w
	}
	return w
}

func (l *Limiter) limitFor(ctx context.Context, identity string) int {
	if l.resolver == nil || len(l.cfg.TierLimits) == 0 {
		return l.cfg.DefaultLimit
	}

	now := l.now()

	l.tierMu.Lock()
	cached, ok := l.tiers[identity]
	l.tierMu.Unlock()

	if !ok || now.After(cached.expiresAt) {
		name, err := l.resolver.GetTier(ctx, identity)
		if err != nil {
			l.logger.Warn("tier resolution failed, using default ceiling",
				slog.String("identity", identity),
				slog.String("error", err.Error()),
			)
			name = ""
		}
		cached = cachedTier{name: name, expiresAt: now.Add(l.cfg.TierCacheTTL)}
		l.tierMu.Lock()
		l.tiers[identity] = cached
		l.tierMu.Unlock()
	}

	if limit, ok := l.cfg.TierLimits[cached.name]; ok {
		return limit
	}
	return l.cfg.DefaultLimit
}

// Sweep drops windows whose reset time has passed. Returns how many were
// removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		w.mu.Lock()
		expired := now.After(w.resetAt)
		w.mu.Unlock()
		if expired {
			delete(l.windows, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limit windows swept",
			slog.Int("removed", removed),
			slog.Int("remaining", len(l.windows)),
		)
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
