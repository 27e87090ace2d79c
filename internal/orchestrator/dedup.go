package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/inkwell/assistant-core/internal/domain"
)

// dedupCache short-circuits a tool call whose (name, argument fingerprint)
// was already dispatched within the trailing window. The model sometimes
// re-requests an action it just performed before it has seen the result;
// replaying the cached result answers it without mutating state twice.
type dedupCache struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	result domain.ToolResult
	at     time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &dedupCache{
		window:  window,
		now:     time.Now,
		entries: make(map[string]dedupEntry),
	}
}

// fingerprint canonicalizes the argument JSON (object keys sorted) so that
// differently ordered but identical arguments collide.
func fingerprint(call domain.ToolCall) string {
	args := call.Function.Arguments
	var v any
	if err := json.Unmarshal([]byte(args), &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			args = string(b)
		}
	}
	return call.Function.Name + "|" + args
}

// lookup returns the cached result for an equivalent recent call.
func (c *dedupCache) lookup(call domain.ToolCall) (domain.ToolResult, bool) {
	key := fingerprint(call)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)
	entry, ok := c.entries[key]
	if !ok {
		return domain.ToolResult{}, false
	}
	// The replayed result answers the new call id.
	res := entry.result
	res.ToolCallID = call.ID
	return res, true
}

// record stores a freshly executed result.
func (c *dedupCache) record(call domain.ToolCall, result domain.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint(call)] = dedupEntry{result: result, at: c.now()}
}

func (c *dedupCache) evictLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.at) > c.window {
			delete(c.entries, key)
		}
	}
}
