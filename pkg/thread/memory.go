package thread

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps threads in process memory
type MemoryStore struct {
	threads  map[string][]*Message
	messages map[string]*Message
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string][]*Message),
		messages: make(map[string]*Message),
	}
}

func (s *MemoryStore) LoadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("load", threadID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.threads[threadID]
	messages := make([]*Message, len(stored))
	for i, m := range stored {
		messages[i] = m.Clone()
	}
	return messages, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("append", msg.ThreadID, err)
	}
	if err := msg.Validate(); err != nil {
		return persistenceErr("append", msg.ThreadID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return persistenceErr("append", msg.ThreadID, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID))
	}
	if msg.Kind == KindToolResult {
		if _, call := FindToolCall(s.threads[msg.ThreadID], msg.ToolCallID); call == nil {
			return persistenceErr("append", msg.ThreadID, fmt.Errorf("%w: %s", ErrOrphanToolResult, msg.ToolCallID))
		}
	}

	stored := msg.Clone()
	s.threads[msg.ThreadID] = append(s.threads[msg.ThreadID], stored)
	s.messages[msg.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateToolCall(ctx context.Context, threadID string, call ToolCall) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("update_tool_call", threadID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, stored := FindToolCall(s.threads[threadID], call.ID)
	if stored == nil {
		return persistenceErr("update_tool_call", threadID, fmt.Errorf("%w: %s", ErrToolCallNotFound, call.ID))
	}
	if stored.Completed {
		return persistenceErr("update_tool_call", threadID, fmt.Errorf("%w: %s", ErrToolCallCompleted, call.ID))
	}

	*stored = call.Clone()
	return nil
}

func (s *MemoryStore) SetComplete(ctx context.Context, messageID string, complete bool) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("set_complete", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return persistenceErr("set_complete", "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID))
	}
	m.IsComplete = complete
	return nil
}
