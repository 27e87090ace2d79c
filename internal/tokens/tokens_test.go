package tokens

import (
	"strings"
	"testing"

	"github.com/inkwell/assistant-core/internal/domain"
)

func TestCountText(t *testing.T) {
	c := NewCounter("gpt-4o")

	n, err := c.CountText("Hello, world")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n < 1 || n > 10 {
		t.Errorf("token count = %d, expected a small positive number", n)
	}

	empty, err := c.CountText("")
	if err != nil {
		t.Fatal(err)
	}
	if empty != 0 {
		t.Errorf("empty count = %d, want 0", empty)
	}
}

func TestUnknownModelFallsBack(t *testing.T) {
	c := NewCounter("openai/gpt-oss-120b")
	n, err := c.CountText("some text to count")
	if err != nil {
		t.Fatalf("fallback encoding failed: %v", err)
	}
	if n == 0 {
		t.Error("count = 0, expected positive")
	}
}

func TestCountMessagesIncludesToolCalls(t *testing.T) {
	c := NewCounter("gpt-4o")

	plain := domain.Message{Role: domain.RoleAssistant, Content: "done"}
	withCall := plain
	withCall.ToolCalls = []domain.ToolCall{{
		ID: "call_1", Type: "function",
		Function: domain.ToolCallFunction{Name: "create_note", Arguments: `{"title":"A"}`},
	}}

	a, err := c.CountMessage(plain)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.CountMessage(withCall)
	if err != nil {
		t.Fatal(err)
	}
	if b <= a {
		t.Errorf("with tool call = %d, without = %d; tool call should cost tokens", b, a)
	}
}

func TestPrune(t *testing.T) {
	c := NewCounter("gpt-4o")

	system := domain.Message{Role: domain.RoleSystem, Content: "You are a note-taking assistant."}
	filler := strings.Repeat("old conversation text ", 50)

	history := []domain.Message{
		system,
		{Role: domain.RoleUser, Content: filler},
		{Role: domain.RoleAssistant, Content: filler},
		{Role: domain.RoleUser, Content: "latest question"},
	}

	t.Run("under budget is untouched", func(t *testing.T) {
		got, err := c.Prune(history, 1_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(history) {
			t.Errorf("pruned %d messages from an under-budget history", len(history)-len(got))
		}
	})

	t.Run("over budget keeps system and the newest messages", func(t *testing.T) {
		got, err := c.Prune(history, 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 0 || got[0].Role != domain.RoleSystem {
			t.Fatalf("system message dropped: %+v", got)
		}
		last := got[len(got)-1]
		if last.Content != "latest question" {
			t.Errorf("newest message dropped, last = %q", last.Content)
		}
		if len(got) >= len(history) {
			t.Error("nothing was pruned")
		}
	})

	t.Run("tool rounds are dropped whole", func(t *testing.T) {
		assistant := domain.Message{
			Role:    domain.RoleAssistant,
			Content: filler,
			ToolCalls: []domain.ToolCall{{
				ID: "call_1", Type: "function",
				Function: domain.ToolCallFunction{Name: "create_note", Arguments: "{}"},
			}},
		}
		result := domain.Message{Role: domain.RoleTool, ToolCallID: "call_1", Content: `{"success":true}`}

		h := []domain.Message{
			system,
			assistant,
			result,
			{Role: domain.RoleUser, Content: "next"},
		}

		got, err := c.Prune(h, 60)
		if err != nil {
			t.Fatal(err)
		}
		// Either the whole round survives or none of it does.
		var haveAssistant, haveResult bool
		for _, m := range got {
			if len(m.ToolCalls) > 0 {
				haveAssistant = true
			}
			if m.Role == domain.RoleTool {
				haveResult = true
			}
		}
		if haveAssistant != haveResult {
			t.Errorf("tool round split: assistant=%v result=%v", haveAssistant, haveResult)
		}
	})
}

func TestEstimate(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Errorf("empty estimate = %d", got)
	}
	if got := Estimate("abcdefgh"); got != 2 {
		t.Errorf("estimate = %d, want 2", got)
	}
}
