package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream boom")

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	t.Helper()
	b := New("test", cfg, slog.Default())
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func TestBreakerStateMachine(t *testing.T) {
	cfg := Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		ResetInterval:    5 * time.Minute,
	}

	t.Run("opens after failure threshold", func(t *testing.T) {
		b, _ := newTestBreaker(t, cfg)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			if err := b.Do(ctx, fail); !errors.Is(err, errUpstream) {
				t.Fatalf("call %d error = %v, want upstream error", i, err)
			}
		}
		if got := b.State(); got != StateOpen {
			t.Fatalf("state = %v, want open", got)
		}

		// While open, fn must not run.
		ran := false
		err := b.Do(ctx, func(context.Context) error { ran = true; return nil })
		if !errors.Is(err, ErrOpen) {
			t.Fatalf("error = %v, want ErrOpen", err)
		}
		if ran {
			t.Fatal("fn ran while circuit open")
		}
	})

	t.Run("half open then closes on success threshold", func(t *testing.T) {
		b, now := newTestBreaker(t, cfg)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = b.Do(ctx, fail)
		}
		*now = now.Add(31 * time.Second)

		if got := b.State(); got != StateHalfOpen {
			t.Fatalf("state = %v, want half_open", got)
		}
		if err := b.Do(ctx, ok); err != nil {
			t.Fatalf("probe error = %v", err)
		}
		if got := b.State(); got != StateHalfOpen {
			t.Fatalf("state after 1 success = %v, want half_open", got)
		}
		if err := b.Do(ctx, ok); err != nil {
			t.Fatalf("probe error = %v", err)
		}
		if got := b.State(); got != StateClosed {
			t.Fatalf("state after 2 successes = %v, want closed", got)
		}
	})

	t.Run("half open failure reopens immediately", func(t *testing.T) {
		b, now := newTestBreaker(t, cfg)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = b.Do(ctx, fail)
		}
		*now = now.Add(31 * time.Second)
		_ = b.Do(ctx, fail)

		if got := b.State(); got != StateOpen {
			t.Fatalf("state = %v, want open", got)
		}
	})

	t.Run("sustained closed success resets counters", func(t *testing.T) {
		b, now := newTestBreaker(t, cfg)
		ctx := context.Background()

		_ = b.Do(ctx, fail)
		_ = b.Do(ctx, fail)
		_ = b.Do(ctx, ok)
		*now = now.Add(6 * time.Minute)

		if got := b.State(); got != StateClosed {
			t.Fatalf("state = %v, want closed", got)
		}
		if s := b.Stats(); s.Failures != 0 {
			t.Fatalf("failures = %d, want 0 after reset", s.Failures)
		}
	})
}

func TestBreakerConcurrentCalls(t *testing.T) {
	b := New("test", Config{FailureThreshold: 50}, slog.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Do(ctx, ok)
			} else {
				_ = b.Do(ctx, fail)
			}
		}(i)
	}
	wg.Wait()

	s := b.Stats()
	if s.TotalCalls != 100 {
		t.Fatalf("total calls = %d, want 100", s.TotalCalls)
	}
	if s.TotalFailures != 50 {
		t.Fatalf("total failures = %d, want 50", s.TotalFailures)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{}, slog.Default())

	a := r.Get("model")
	b := r.Get("model")
	if a != b {
		t.Fatal("Get returned distinct breakers for the same service")
	}

	c := r.Get("store")
	if c == a {
		t.Fatal("Get returned the same breaker for distinct services")
	}

	stats := r.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats size = %d, want 2", len(stats))
	}
}
