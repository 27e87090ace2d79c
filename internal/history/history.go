// Package history persists conversation messages. The append path must
// preserve submitted ordering exactly; the model protocol requires the
// assistant message and its tool results to reappear in that order.
package history

import (
	"context"

	"github.com/inkwell/assistant-core/internal/domain"
)

// Store is the persistence boundary for conversation history.
type Store interface {
	// AppendMessages appends msgs to the conversation in the given order.
	// The write is atomic: either all messages land or none do.
	AppendMessages(ctx context.Context, conversationID string, msgs []domain.Message) error

	// Messages returns the full history in append order.
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)

	Close() error
}
