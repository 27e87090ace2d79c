package streamparse

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/inkwell/assistant-core/internal/domain"
)

func feedToolChunk(p *Parser, index int, id, name, args string) {
	p.Feed(domain.Fragment{ToolCall: &domain.ToolCallChunk{
		Index: index,
		ID:    id,
		Type:  "function",
		Function: struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		}{Name: name, Arguments: args},
	}})
}

func TestParser(t *testing.T) {
	t.Run("accumulates content and reasoning across fragments", func(t *testing.T) {
		p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		p.Feed(domain.Fragment{ContentDelta: "Hello, "})
		p.Feed(domain.Fragment{ReasoningDelta: "the user greeted me"})
		p.Feed(domain.Fragment{ContentDelta: "world."})

		res, dropped := p.Finish()
		if dropped != 0 {
			t.Errorf("dropped = %d, want 0", dropped)
		}
		if res.Content != "Hello, world." {
			t.Errorf("content = %q", res.Content)
		}
		if res.Reasoning != "the user greeted me" {
			t.Errorf("reasoning = %q", res.Reasoning)
		}
	})

	t.Run("assembles a tool call from indexed argument deltas", func(t *testing.T) {
		p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		feedToolChunk(p, 0, "call_abc", "create_note", "")
		feedToolChunk(p, 0, "", "", `{"title":`)
		feedToolChunk(p, 0, "", "", `"Groceries"}`)

		res, dropped := p.Finish()
		if dropped != 0 {
			t.Fatalf("dropped = %d, want 0", dropped)
		}
		if len(res.ToolCalls) != 1 {
			t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
		}
		tc := res.ToolCalls[0]
		if tc.ID != "call_abc" || tc.Function.Name != "create_note" {
			t.Errorf("id/name = %q/%q", tc.ID, tc.Function.Name)
		}
		if tc.Function.Arguments != `{"title":"Groceries"}` {
			t.Errorf("arguments = %q", tc.Function.Arguments)
		}
	})

	t.Run("interleaved invocations keep index order", func(t *testing.T) {
		p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		feedToolChunk(p, 1, "", "delete_note", `{"id":"n2"}`)
		feedToolChunk(p, 0, "", "create_note", `{"title":"A"}`)

		res, _ := p.Finish()
		if len(res.ToolCalls) != 2 {
			t.Fatalf("tool calls = %d, want 2", len(res.ToolCalls))
		}
		if res.ToolCalls[0].Function.Name != "create_note" ||
			res.ToolCalls[1].Function.Name != "delete_note" {
			t.Errorf("order = %q, %q",
				res.ToolCalls[0].Function.Name, res.ToolCalls[1].Function.Name)
		}
	})

	t.Run("synthesizes an id when the stream never supplies one", func(t *testing.T) {
		p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		feedToolChunk(p, 2, "", "list_notebooks", "{}")

		res, _ := p.Finish()
		if len(res.ToolCalls) != 1 {
			t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
		}
		if !strings.HasPrefix(res.ToolCalls[0].ID, "call_2_") {
			t.Errorf("synthesized id = %q", res.ToolCalls[0].ID)
		}
	})

	t.Run("finish is stable when fed nothing", func(t *testing.T) {
		p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		res, dropped := p.Finish()
		if dropped != 0 || res.Content != "" || len(res.ToolCalls) != 0 {
			t.Errorf("got %+v, dropped %d", res, dropped)
		}
	})

	t.Run("negative index chunk is skipped", func(t *testing.T) {
		p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		feedToolChunk(p, -1, "", "create_note", "{}")
		res, dropped := p.Finish()
		if len(res.ToolCalls) != 0 || dropped != 0 {
			t.Errorf("tool calls = %d, dropped = %d", len(res.ToolCalls), dropped)
		}
	})
}

func TestRepairArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "valid object passes through", raw: `{"a":1}`, want: `{"a":1}`},
		{name: "empty buffer becomes empty object", raw: "", want: "{}"},
		{name: "whitespace buffer becomes empty object", raw: "  \n", want: "{}"},
		{
			name: "double encoded string is unwrapped",
			raw:  `"{\"title\":\"A\"}"`,
			want: `{"title":"A"}`,
		},
		{
			name: "concatenated objects keep only the first",
			raw:  `{"a":1}{"a":2}`,
			want: `{"a":1}`,
		},
		{
			name: "comma joined objects keep only the first",
			raw:  `{"a":1},{"b":2}`,
			want: `{"a":1}`,
		},
		{
			name: "brace inside a string does not end the object",
			raw:  `{"text":"closing } here"}{"x":1}`,
			want: `{"text":"closing } here"}`,
		},
		{
			name: "missing delimiters are synthesized",
			raw:  `"title":"A"`,
			want: `{"title":"A"}`,
		},
		{
			name: "missing closing brace is synthesized",
			raw:  `{"title":"A"`,
			want: `{"title":"A"}`,
		},
		{name: "garbage is rejected", raw: `not json at all`, wantErr: true},
		{name: "bare array is rejected", raw: `[1,2,3]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repairArguments(tt.raw, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepairLogsDiscardedRemainder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	got, err := repairArguments(`{"a":1}{"a":2}`, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"a":1}` {
		t.Errorf("got %q, want first object", got)
	}
	if n := strings.Count(buf.String(), "discarding remainder"); n != 1 {
		t.Errorf("discard diagnostics = %d, want exactly 1\nlog: %s", n, buf.String())
	}
	if !strings.Contains(buf.String(), `{\"a\":2}`) && !strings.Contains(buf.String(), `{"a":2}`) {
		t.Errorf("diagnostic does not name the discarded tail: %s", buf.String())
	}
}

func TestDroppedInvocations(t *testing.T) {
	p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	feedToolChunk(p, 0, "", "create_note", `{"title":"kept"}`)
	feedToolChunk(p, 1, "", "update_note", `garbage garbage`)
	feedToolChunk(p, 2, "", "", `{"orphan":true}`) // no name ever supplied

	res, dropped := p.Finish()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Function.Name != "create_note" {
		t.Errorf("surviving tool calls = %+v", res.ToolCalls)
	}
}

func TestCloseOpenTable(t *testing.T) {
	t.Run("open table gets a trailing newline", func(t *testing.T) {
		in := "Here are your notes:\n\n| Title | Notebook |\n|---|---|\n| A | Work |"
		got := closeOpenTable(in)
		if !strings.HasSuffix(got, "|\n") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("prose ending is untouched", func(t *testing.T) {
		in := "| A | B |\n|---|---|\n| 1 | 2 |\n\nDone."
		if got := closeOpenTable(in); got != in {
			t.Errorf("got %q, want unchanged", got)
		}
	})

	t.Run("empty content is untouched", func(t *testing.T) {
		if got := closeOpenTable(""); got != "" {
			t.Errorf("got %q", got)
		}
	})
}
