// Package breaker implements a three-state circuit breaker guarding calls
// to upstream services, plus a registry keyed by service name.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Do while the circuit is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Config controls breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes it again.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before the next call
	// is allowed through as a half-open probe.
	OpenTimeout time.Duration
	// ResetInterval is how long sustained success in the closed state runs
	// before counters are fully reset.
	ResetInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.ResetInterval <= 0 {
		c.ResetInterval = 5 * time.Minute
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Service       string
	State         State
	Failures      int
	Successes     int
	LastFailure   time.Time
	LastSuccess   time.Time
	TotalCalls    int64
	TotalFailures int64
}

// Breaker guards one logical upstream service. All state transitions are
// serialized under a single mutex; Do releases it around the wrapped call.
type Breaker struct {
	service string
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	lastSuccess   time.Time
	totalCalls    int64
	totalFailures int64
}

// New creates a breaker for the named service.
func New(service string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		state:   StateClosed,
	}
}

// Do runs fn under the breaker. While the circuit is open it returns ErrOpen
// without invoking fn. A context error from fn counts as a failure like any
// other error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()

	if b.state == StateOpen {
		b.logger.Warn("circuit open, call rejected", slog.String("service", b.service))
		return fmt.Errorf("%s: %w", b.service, ErrOpen)
	}

	b.totalCalls++
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailureLocked()
		return
	}
	b.recordSuccessLocked()
}

// refreshLocked applies time-driven transitions: open -> half-open after the
// open timeout, and a full counter reset after sustained closed success.
func (b *Breaker) refreshLocked() {
	now := b.now()

	if b.state == StateOpen && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) >= b.cfg.OpenTimeout {
		b.logger.Info("circuit probing",
			slog.String("service", b.service),
			slog.String("transition", "open->half_open"),
		)
		b.state = StateHalfOpen
		b.successes = 0
	}

	if b.state == StateClosed && !b.lastSuccess.IsZero() && now.Sub(b.lastSuccess) >= b.cfg.ResetInterval {
		b.resetLocked()
	}
}

func (b *Breaker) recordSuccessLocked() {
	b.lastSuccess = b.now()
	b.failures = 0

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.logger.Info("circuit recovered",
				slog.String("service", b.service),
				slog.String("transition", "half_open->closed"),
			)
			b.state = StateClosed
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailureLocked() {
	b.lastFailure = b.now()
	b.failures++
	b.totalFailures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.logger.Error("circuit opened",
				slog.String("service", b.service),
				slog.Int("consecutive_failures", b.failures),
			)
			b.state = StateOpen
			b.successes = 0
		}
	case StateHalfOpen:
		b.logger.Error("circuit probe failed, reopening",
			slog.String("service", b.service),
		)
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}

// State returns the current state, applying any pending time-driven
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Service:       b.service,
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
	}
}
