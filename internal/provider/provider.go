// Package provider defines the model-provider boundary and an
// OpenAI-compatible streaming client implementing it.
package provider

import (
	"context"

	"github.com/inkwell/assistant-core/internal/domain"
)

// Request is one model invocation.
type Request struct {
	Messages []domain.Message
	Tools    []domain.ToolDefinition

	// Temperature overrides the provider default when non-nil. Recovery
	// re-invocations lower it to curb repeated empty responses.
	Temperature *float64
}

// Result wraps one fragment or a terminal stream error.
type Result struct {
	Fragment domain.Fragment
	Err      error
}

// ModelProvider streams a model response for a request. The returned channel
// is closed when the stream ends; a Result with Err set is terminal.
type ModelProvider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Result, error)
}
