package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inkwell/assistant-core/internal/broadcast"
	"github.com/inkwell/assistant-core/internal/domain"
	"github.com/inkwell/assistant-core/internal/orchestrator"
	"github.com/inkwell/assistant-core/internal/ratelimit"
)

// fakeRunner scripts the engine boundary.
type fakeRunner struct {
	decision *ratelimit.Decision
	outcome  domain.TurnOutcome
	events   []orchestrator.Event
	gotTurn  orchestrator.Turn
}

func (f *fakeRunner) RateLimitDecision(ctx context.Context, userID string) *ratelimit.Decision {
	return f.decision
}

func (f *fakeRunner) Run(ctx context.Context, turn orchestrator.Turn, d *ratelimit.Decision) domain.TurnOutcome {
	f.gotTurn = turn
	for _, ev := range f.events {
		turn.Events(ev)
	}
	return f.outcome
}

func newTestServer(runner *fakeRunner) (*Server, *broadcast.Hub) {
	hub := broadcast.NewHub(broadcast.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(0, runner, hub, slog.New(slog.NewTextHandler(io.Discard, nil))), hub
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestChatStream(t *testing.T) {
	t.Run("streams turn events as sse", func(t *testing.T) {
		outcome := domain.TurnOutcome{
			ConversationID: "conv-1",
			FinalText:      "done",
			Outcome:        domain.OutcomeFinalized,
		}
		runner := &fakeRunner{
			outcome: outcome,
			events: []orchestrator.Event{
				{Type: orchestrator.EventStart},
				{Type: orchestrator.EventDelta, Text: "do"},
				{Type: orchestrator.EventDelta, Text: "ne"},
				{Type: orchestrator.EventDone, Outcome: &outcome},
			},
		}
		s, _ := newTestServer(runner)

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/conv-1/stream",
			strings.NewReader(`{"message":"hello"}`))
		req.Header.Set("X-User-ID", "user-1")
		rec := httptest.NewRecorder()
		s.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("content type = %q", ct)
		}

		body := rec.Body.String()
		for _, want := range []string{"event: start", "event: delta", "event: done"} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
		if runner.gotTurn.ConversationID != "conv-1" || runner.gotTurn.UserID != "user-1" {
			t.Errorf("turn = %+v", runner.gotTurn)
		}
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		s, _ := newTestServer(&fakeRunner{})
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/conv-1/stream",
			strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		s.Router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("denied decision returns 429 with headers", func(t *testing.T) {
		runner := &fakeRunner{
			decision: &ratelimit.Decision{
				Allowed:   false,
				Remaining: 0,
				Limit:     20,
				ResetAt:   time.Now().Add(30 * time.Second),
			},
		}
		s, _ := newTestServer(runner)

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/conv-1/stream",
			strings.NewReader(`{"message":"hello"}`))
		rec := httptest.NewRecorder()
		s.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "20" {
			t.Errorf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After")
		}
	})

	t.Run("allowed decision sets informational headers", func(t *testing.T) {
		runner := &fakeRunner{
			decision: &ratelimit.Decision{Allowed: true, Remaining: 7, Limit: 20, ResetAt: time.Now()},
			outcome:  domain.TurnOutcome{Outcome: domain.OutcomeFinalized},
		}
		s, _ := newTestServer(runner)

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/conv-1/stream",
			strings.NewReader(`{"message":"hello"}`))
		rec := httptest.NewRecorder()
		s.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Remaining") != "7" {
			t.Errorf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
		}
	})
}

func TestDocumentWatch(t *testing.T) {
	s, hub := newTestServer(&fakeRunner{})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/documents/doc-1/watch", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Wait for the handler to register its listener.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ListenerCount("doc-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if reached := hub.Broadcast(broadcast.Event{
		Type: broadcast.EventChunk, DocumentID: "doc-1", Data: "updated",
	}); reached != 1 {
		t.Fatalf("reached = %d, want 1", reached)
	}

	reader := bufio.NewReader(resp.Body)
	var sawEvent bool
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: chunk") {
			sawEvent = true
			break
		}
	}
	if !sawEvent {
		t.Error("never received the broadcast event")
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ListenerCount("doc-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never unregistered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
