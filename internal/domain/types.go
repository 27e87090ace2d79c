// Package domain holds the shared types of the assistant engine: chat
// messages, tool invocations and their results, streaming fragments, and
// turn outcomes.
package domain

import (
	"encoding/json"
	"time"
)

// Message roles as used in the conversation history shown to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents one entry in a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`

	// ToolCalls for assistant messages that invoke tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID for tool messages carrying results.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a fully reconstructed tool invocation emitted by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its raw JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ToolCallChunk is a partial tool invocation as it arrives on the stream.
// Fragments accumulate into a ToolCall keyed by Index.
type ToolCallChunk struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`

	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes the function signature exposed to the model.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"` // JSON Schema
}

// Fragment is one incremental delta from a streaming model response.
// Any combination of fields may be set on a single fragment.
type Fragment struct {
	ContentDelta   string
	ReasoningDelta string
	ToolCall       *ToolCallChunk
	FinishReason   string
}

// ToolResult is the outcome of executing exactly one ToolCall.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Duration   time.Duration   `json:"-"`
}

// Content renders the result as the string fed back to the model.
func (r ToolResult) Content() string {
	b, err := json.Marshal(struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data,omitempty"`
		Code    string          `json:"code,omitempty"`
		Message string          `json:"message,omitempty"`
	}{r.Success, r.Payload, r.Code, r.Message})
	if err != nil {
		return `{"success":false,"code":"ENCODING_ERROR"}`
	}
	return string(b)
}

// Outcome classifies how a turn ended.
type Outcome string

const (
	// OutcomeFinalized means the turn produced an answer, possibly a
	// degraded fallback.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeAborted means an upstream guard rejected the turn before any
	// usable content existed.
	OutcomeAborted Outcome = "aborted"
)

// Abort reasons for OutcomeAborted turns.
const (
	AbortUpstreamUnavailable = "upstream_unavailable"
	AbortRateLimited         = "rate_limited"
)

// TurnOutcome is the single event emitted to the caller when a turn reaches
// a terminal state.
type TurnOutcome struct {
	ConversationID string        `json:"conversation_id"`
	FinalText      string        `json:"final_text"`
	Reasoning      string        `json:"reasoning,omitempty"`
	RoundCount     int           `json:"round_count"`
	ToolCallCount  int           `json:"tool_call_count"`
	Outcome        Outcome       `json:"outcome"`
	AbortReason    string        `json:"abort_reason,omitempty"`
	RetryAfter     time.Duration `json:"-"`
}
