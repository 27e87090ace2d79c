package orchestrator

import "github.com/inkwell/assistant-core/internal/domain"

// EventType classifies a live turn event.
type EventType string

const (
	EventStart         EventType = "start"
	EventDelta         EventType = "delta"
	EventToolExecution EventType = "tool_execution"
	EventToolResult    EventType = "tool_result"
	EventRoundComplete EventType = "assistant_round_complete"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event is one live notification emitted while a turn runs.
type Event struct {
	Type    EventType           `json:"type"`
	Round   int                 `json:"round,omitempty"`
	Text    string              `json:"text,omitempty"`
	Tool    *domain.ToolCall    `json:"tool,omitempty"`
	Result  *domain.ToolResult  `json:"result,omitempty"`
	Outcome *domain.TurnOutcome `json:"outcome,omitempty"`
}

// EventSink receives live events. A nil sink disables live delivery; the
// turn still runs to completion.
type EventSink func(Event)

func (s EventSink) emit(ev Event) {
	if s != nil {
		s(ev)
	}
}

// State names the orchestrator's position in the round loop.
type State int

const (
	StateInvoking State = iota
	StateParsing
	StateDispatching
	StatePersisting
	StateReinvoking
	StateFinalizing
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInvoking:
		return "invoking"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	case StatePersisting:
		return "persisting"
	case StateReinvoking:
		return "reinvoking"
	case StateFinalizing:
		return "finalizing"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
