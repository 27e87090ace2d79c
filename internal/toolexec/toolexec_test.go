package toolexec

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/inkwell/assistant-core/internal/contentstore"
	"github.com/inkwell/assistant-core/internal/domain"
)

func newTestExecutor(t *testing.T) (*ContentExecutor, contentstore.Store) {
	t.Helper()
	store := contentstore.NewMemoryStore()
	return NewContentExecutor(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 0), store
}

func call(name, args string) domain.ToolCall {
	return domain.ToolCall{
		ID:   "call_" + name,
		Type: "function",
		Function: domain.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("create then search", func(t *testing.T) {
		e, _ := newTestExecutor(t)

		res := e.Execute(ctx, call("create_note", `{"title":"Trip","content":"pack bags"}`), "user-1")
		if !res.Success {
			t.Fatalf("create failed: %s %s", res.Code, res.Message)
		}
		var created contentstore.Note
		if err := json.Unmarshal(res.Payload, &created); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if created.ID == "" || created.Title != "Trip" {
			t.Errorf("created = %+v", created)
		}

		res = e.Execute(ctx, call("search_notes", `{"query":"trip"}`), "user-1")
		if !res.Success {
			t.Fatalf("search failed: %s", res.Code)
		}
		var found struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(res.Payload, &found); err != nil {
			t.Fatal(err)
		}
		if found.Count != 1 {
			t.Errorf("count = %d, want 1", found.Count)
		}
	})

	t.Run("results carry the call id", func(t *testing.T) {
		e, _ := newTestExecutor(t)
		res := e.Execute(ctx, call("list_notebooks", `{}`), "user-1")
		if res.ToolCallID != "call_list_notebooks" {
			t.Errorf("tool call id = %q", res.ToolCallID)
		}
		if res.ToolName != "list_notebooks" {
			t.Errorf("tool name = %q", res.ToolName)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		e, _ := newTestExecutor(t)
		res := e.Execute(ctx, call("launch_rocket", `{}`), "user-1")
		if res.Success || res.Code != CodeUnknownTool {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("missing required argument", func(t *testing.T) {
		e, _ := newTestExecutor(t)
		res := e.Execute(ctx, call("create_note", `{"content":"no title"}`), "user-1")
		if res.Success || res.Code != CodeInvalidArguments {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("malformed argument json", func(t *testing.T) {
		e, _ := newTestExecutor(t)
		res := e.Execute(ctx, call("create_note", `{"title": 42}`), "user-1")
		if res.Success || res.Code != CodeInvalidArguments {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("missing record maps to not found", func(t *testing.T) {
		e, _ := newTestExecutor(t)
		res := e.Execute(ctx, call("delete_note", `{"id":"nope"}`), "user-1")
		if res.Success || res.Code != CodeNotFound {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("caller identity scopes the store", func(t *testing.T) {
		e, store := newTestExecutor(t)
		note, err := store.CreateNote(ctx, "user-1", contentstore.Note{Title: "Private"})
		if err != nil {
			t.Fatal(err)
		}
		res := e.Execute(ctx, call("delete_note", `{"id":"`+note.ID+`"}`), "user-2")
		if res.Success || res.Code != CodeNotFound {
			t.Errorf("cross-owner delete = %+v", res)
		}
	})

	t.Run("result content renders the feedback envelope", func(t *testing.T) {
		e, _ := newTestExecutor(t)
		res := e.Execute(ctx, call("delete_note", `{"id":"nope"}`), "user-1")

		content := res.Content()
		var envelope struct {
			Success bool   `json:"success"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal([]byte(content), &envelope); err != nil {
			t.Fatalf("content is not json: %q", content)
		}
		if envelope.Success || envelope.Code != CodeNotFound {
			t.Errorf("envelope = %+v", envelope)
		}
	})
}

func TestPayloadTruncation(t *testing.T) {
	ctx := context.Background()
	store := contentstore.NewMemoryStore()
	e := NewContentExecutor(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 256)

	big := strings.Repeat("много текста ", 200)
	if _, err := store.CreateNote(ctx, "user-1", contentstore.Note{Title: "Big", Content: big}); err != nil {
		t.Fatal(err)
	}

	res := e.Execute(ctx, call("search_notes", `{"query":"big"}`), "user-1")
	if !res.Success {
		t.Fatalf("search failed: %s", res.Code)
	}

	var wrapped struct {
		Truncated     bool   `json:"truncated"`
		OriginalBytes int    `json:"original_bytes"`
		Preview       string `json:"preview"`
	}
	if err := json.Unmarshal(res.Payload, &wrapped); err != nil {
		t.Fatalf("truncated payload is not json: %v", err)
	}
	if !wrapped.Truncated || wrapped.OriginalBytes <= 256 {
		t.Errorf("wrapped = %+v", wrapped)
	}
	// The cut must not split a multi-byte rune.
	if !json.Valid(res.Payload) {
		t.Error("payload is not valid json")
	}
}

func TestDefinitionsCoverEveryTool(t *testing.T) {
	e, _ := newTestExecutor(t)

	defs := e.Definitions()
	if len(defs) != 9 {
		t.Fatalf("definitions = %d, want 9", len(defs))
	}

	ctx := context.Background()
	for _, def := range defs {
		// Every advertised tool must dispatch to a real implementation;
		// empty args may fail validation but never as unknown.
		res := e.Execute(ctx, call(def.Function.Name, `{}`), "user-1")
		if res.Code == CodeUnknownTool {
			t.Errorf("%s: advertised but not implemented", def.Function.Name)
		}
	}
}
