// Package tokens counts prompt tokens with tiktoken and prunes history to a
// budget before each model invocation.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/inkwell/assistant-core/internal/domain"
)

// Per-message overhead for chat models, per OpenAI's counting guidance.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Counter counts tokens for a fixed model.
type Counter struct {
	once  sync.Once
	model string
	codec tokenizer.Codec
	err   error
}

// NewCounter creates a counter for model. The codec is resolved lazily on
// first use.
func NewCounter(model string) *Counter {
	return &Counter{model: model}
}

func (c *Counter) getCodec() (tokenizer.Codec, error) {
	c.once.Do(func() {
		codec, err := tokenizer.ForModel(tokenizer.Model(c.model))
		if err != nil {
			// Open-weight and future models are not in tiktoken's table;
			// o200k_base is the closest encoding for current ones.
			codec, err = tokenizer.Get(tokenizer.O200kBase)
		}
		if err != nil {
			c.err = fmt.Errorf("failed to get tokenizer encoding: %w", err)
			return
		}
		c.codec = codec
	})
	return c.codec, c.err
}

// CountText counts tokens in a plain string.
func (c *Counter) CountText(text string) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMessage counts one history message including its tool calls.
func (c *Counter) CountMessage(msg domain.Message) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}

	total := tokensPerMessage + tokensPerRole
	ids, _, _ := codec.Encode(msg.Content)
	total += len(ids)

	for _, tc := range msg.ToolCalls {
		ids, _, _ = codec.Encode(tc.Function.Name)
		total += len(ids)
		ids, _, _ = codec.Encode(tc.Function.Arguments)
		total += len(ids)
		total += 3
	}
	return total, nil
}

// CountMessages counts a whole prompt including assistant priming.
func (c *Counter) CountMessages(msgs []domain.Message) (int, error) {
	total := assistantPriming
	for _, msg := range msgs {
		n, err := c.CountMessage(msg)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Prune returns the most recent messages fitting budget. The leading system
// message is always kept, and an assistant message is never separated from
// the tool results that answer it: rounds are dropped whole, oldest first.
func (c *Counter) Prune(msgs []domain.Message, budget int) ([]domain.Message, error) {
	if budget <= 0 || len(msgs) == 0 {
		return msgs, nil
	}

	total, err := c.CountMessages(msgs)
	if err != nil {
		return nil, err
	}
	if total <= budget {
		return msgs, nil
	}

	var system []domain.Message
	rest := msgs
	if msgs[0].Role == domain.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}

	groups := groupRounds(rest)

	// Drop oldest groups until the remainder fits.
	for start := 0; start <= len(groups); start++ {
		var kept []domain.Message
		kept = append(kept, system...)
		for _, g := range groups[start:] {
			kept = append(kept, g...)
		}
		n, err := c.CountMessages(kept)
		if err != nil {
			return nil, err
		}
		if n <= budget {
			return kept, nil
		}
	}

	// Even the system message alone is over budget; send it anyway.
	return system, nil
}

// groupRounds splits history into units that must survive pruning together:
// an assistant message with tool calls plus its following tool results, or
// any other single message.
func groupRounds(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		if msgs[i].Role == domain.RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				j++
			}
			groups = append(groups, msgs[i:j])
			i = j
			continue
		}
		groups = append(groups, msgs[i:i+1])
		i++
	}
	return groups
}

// Estimate is a cheap fallback used in tests and degraded paths: roughly
// four characters per token.
func Estimate(text string) int {
	return (len(strings.TrimSpace(text)) + 3) / 4
}
