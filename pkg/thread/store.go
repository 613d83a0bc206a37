package thread

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOrphanToolResult is returned when a tool_result references no earlier tool call
	ErrOrphanToolResult = errors.New("tool result references unknown tool call")

	ErrToolCallNotFound  = errors.New("tool call not found")
	ErrToolCallCompleted = errors.New("tool call already completed")
	ErrMessageNotFound   = errors.New("message not found")
	ErrDuplicateMessage  = errors.New("message already exists")
)

// PersistenceError wraps every failure of a Store
type PersistenceError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s failed for thread %s: %v", e.Op, e.ThreadID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceErr(op, threadID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, ThreadID: threadID, Err: err}
}

// Store persists conversations. Implementations must be safe for concurrent use.
type Store interface {
	// LoadMessages returns the thread's messages in append order. An unknown thread
	// has no messages.
	LoadMessages(ctx context.Context, threadID string) ([]*Message, error)
	// AppendMessage stores a message at the end of its thread. A tool_result must
	// reference a tool call already stored in the same thread.
	AppendMessage(ctx context.Context, msg *Message) error
	// UpdateToolCall replaces the stored state of a call that is not yet completed
	UpdateToolCall(ctx context.Context, threadID string, call ToolCall) error
	// SetComplete marks a message complete or interrupted
	SetComplete(ctx context.Context, messageID string, complete bool) error
}

// FindToolCall locates a call and the message that requested it
func FindToolCall(messages []*Message, callID string) (*Message, *ToolCall) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Kind != KindToolRequest {
			continue
		}
		for j := range m.ToolCalls {
			if m.ToolCalls[j].ID == callID {
				return m, &m.ToolCalls[j]
			}
		}
	}
	return nil, nil
}

// Results maps tool call ids to their tool_result messages
func Results(messages []*Message) map[string]*Message {
	results := make(map[string]*Message)
	for _, m := range messages {
		if m.Kind == KindToolResult {
			results[m.ToolCallID] = m
		}
	}
	return results
}

// LatestToolRequest returns the last tool request of the thread if no user message
// follows it
func LatestToolRequest(messages []*Message) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Kind {
		case KindToolRequest:
			return messages[i]
		case KindUser:
			return nil
		}
	}
	return nil
}
