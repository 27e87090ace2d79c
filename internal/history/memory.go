package history

import (
	"context"
	"sync"

	"github.com/inkwell/assistant-core/internal/domain"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string][]domain.Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string][]domain.Message)}
}

func (s *MemoryStore) AppendMessages(ctx context.Context, conversationID string, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], msgs...)
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.conversations[conversationID]))
	copy(out, s.conversations[conversationID])
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
