package session

import (
	"context"
	"sync"
	"time"

	"docchat/src/core/citation"
)

// DefaultCapacity bounds the per-user history; the oldest message is evicted
// first.
const DefaultCapacity = 50

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a user's conversation.
type Message struct {
	MessageID string              `json:"message_id"`
	Role      string              `json:"role"`
	Content   string              `json:"content"`
	Citations []citation.Citation `json:"citations,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Store persists per-user conversation history. Implementations must keep
// messages ordered by append time and enforce the capacity bound.
type Store interface {
	Append(ctx context.Context, userID string, msg Message) error
	Read(ctx context.Context, userID string, limit int) ([]Message, error)
}

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	byUser   map[string][]Message
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		byUser:   make(map[string][]Message),
	}
}

func (s *MemoryStore) Append(ctx context.Context, userID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := append(s.byUser[userID], msg)
	if len(messages) > s.capacity {
		messages = messages[len(messages)-s.capacity:]
	}
	s.byUser[userID] = messages
	return nil
}

// Read returns up to limit of the user's most recent messages in
// chronological order. limit <= 0 returns the full retained history.
func (s *MemoryStore) Read(ctx context.Context, userID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.byUser[userID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	return out, nil
}
