// Package streamparse accumulates the fragments of one streamed model
// response into visible content, reasoning, and finalized tool calls.
//
// Argument buffers arrive as raw text spread across many fragments and the
// upstream occasionally emits malformed JSON (double-encoded strings,
// concatenated objects, missing delimiters). Finish applies a repair ladder
// and drops, rather than propagates, anything it cannot recover.
package streamparse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/inkwell/assistant-core/internal/domain"
)

// ParseResult is the finalized output of one streamed response.
type ParseResult struct {
	Content   string
	Reasoning string
	ToolCalls []domain.ToolCall
}

type invocation struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// Parser consumes fragments via Feed and finalizes via Finish. It is not
// safe for concurrent use; each streamed response gets its own Parser.
type Parser struct {
	logger      *slog.Logger
	content     strings.Builder
	reasoning   strings.Builder
	invocations map[int]*invocation
}

func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		logger:      logger,
		invocations: make(map[int]*invocation),
	}
}

// Feed folds one fragment into the accumulators. Malformed fragments are
// skipped with a diagnostic; Feed never fails.
func (p *Parser) Feed(f domain.Fragment) {
	p.content.WriteString(f.ContentDelta)
	p.reasoning.WriteString(f.ReasoningDelta)

	if f.ToolCall == nil {
		return
	}
	tc := f.ToolCall
	if tc.Index < 0 {
		p.logger.Debug("skipping tool call chunk with invalid index",
			slog.Int("index", tc.Index),
		)
		return
	}

	inv, ok := p.invocations[tc.Index]
	if !ok {
		inv = &invocation{index: tc.Index}
		p.invocations[tc.Index] = inv
	}
	if tc.ID != "" {
		inv.id = tc.ID
	}
	if tc.Function.Name != "" {
		inv.name = tc.Function.Name
	}
	inv.args.WriteString(tc.Function.Arguments)
}

// Finish finalizes the accumulators. Invocations whose argument buffer
// cannot be repaired into valid JSON are omitted; dropped reports how many.
func (p *Parser) Finish() (ParseResult, int) {
	res := ParseResult{
		Content:   closeOpenTable(strings.TrimSpace(p.content.String())),
		Reasoning: strings.TrimSpace(p.reasoning.String()),
	}

	indexes := make([]int, 0, len(p.invocations))
	for i := range p.invocations {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	dropped := 0
	for _, i := range indexes {
		inv := p.invocations[i]
		if inv.name == "" {
			p.logger.Warn("dropping tool call with no name",
				slog.Int("index", inv.index),
			)
			dropped++
			continue
		}
		args, err := repairArguments(inv.args.String(), p.logger)
		if err != nil {
			p.logger.Warn("dropping tool call with unrecoverable arguments",
				slog.Int("index", inv.index),
				slog.String("tool", inv.name),
				slog.String("error", err.Error()),
			)
			dropped++
			continue
		}
		id := inv.id
		if id == "" {
			id = fmt.Sprintf("call_%d_%s", inv.index, uuid.NewString())
		}
		res.ToolCalls = append(res.ToolCalls, domain.ToolCall{
			ID:   id,
			Type: "function",
			Function: domain.ToolCallFunction{
				Name:      inv.name,
				Arguments: args,
			},
		})
	}
	return res, dropped
}

// repairArguments turns a raw argument buffer into a valid JSON object,
// trying progressively more invasive repairs.
func repairArguments(raw string, logger *slog.Logger) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "{}", nil
	}

	if isJSONObject(s) {
		return s, nil
	}

	// Double-encoded: the whole buffer is one JSON string wrapping the
	// real object.
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if isJSONObject(inner) {
				return inner, nil
			}
			s = inner
		}
	}

	// Concatenated objects: the stream glued two payloads together. Keep
	// the first balanced object, discard the rest.
	if strings.Contains(s, "}{") || strings.Contains(s, `,{"`) {
		if first, rest, ok := firstBalancedObject(s); ok && isJSONObject(first) {
			if rest = strings.TrimSpace(rest); rest != "" {
				logger.Warn("discarding remainder after first argument object",
					slog.String("remainder", rest),
				)
			}
			return first, nil
		}
	}

	// Missing delimiters around otherwise plausible key/value text.
	patched := s
	if !strings.HasPrefix(patched, "{") {
		patched = "{" + patched
	}
	if !strings.HasSuffix(patched, "}") {
		patched = patched + "}"
	}
	if isJSONObject(patched) {
		return patched, nil
	}

	return "", fmt.Errorf("argument buffer is not a JSON object: %.64q", raw)
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &m) == nil
}

// firstBalancedObject scans from the first '{' to its matching '}',
// skipping braces inside string literals, and returns the object and
// whatever trailed it.
func firstBalancedObject(s string) (string, string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], s[i+1:], true
			}
		}
	}
	return "", "", false
}

// closeOpenTable appends a trailing newline when content ends on a markdown
// table row, so rendering consumers never see a truncated table block.
func closeOpenTable(content string) string {
	if content == "" {
		return content
	}
	lines := strings.Split(content, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasPrefix(last, "|") {
		return content + "\n"
	}
	return content
}
