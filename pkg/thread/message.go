package thread

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/parley/pkg/hil"
)

// Kind is the role a message plays in a conversation
type Kind string

const (
	KindUser          Kind = "user"
	KindAssistantText Kind = "assistant_text"
	KindToolRequest   Kind = "assistant_tool_request"
	KindToolResult    Kind = "tool_result"
)

// Message is one entry of a thread
type Message struct {
	ID       string  `json:"id"`
	ThreadID string  `json:"thread_id"`
	Kind     Kind    `json:"kind"`
	Content  *string `json:"content,omitempty"`
	// Reasoning text streamed by the model alongside the answer
	Reasoning string `json:"reasoning,omitempty"`
	// Calls requested by the model, in request order
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Call answered by a tool_result message
	ToolCallID string    `json:"tool_call_id,omitempty"`
	IsComplete bool      `json:"is_complete"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCall is a model-issued request to run a tool
type ToolCall struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Arguments  string    `json:"arguments"`
	Validation hil.State `json:"validation"`
	Result     *string   `json:"result,omitempty"`
	Completed  bool      `json:"completed"`
}

// NewMessage creates a message with a fresh id
func NewMessage(threadID string, kind Kind, content string) *Message {
	m := &Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Kind:       kind,
		IsComplete: true,
		CreatedAt:  time.Now().UTC(),
	}
	if content != "" || kind == KindToolResult {
		m.Content = &content
	}
	return m
}

// NewToolResult creates the tool_result message answering callID
func NewToolResult(threadID, callID, result string) *Message {
	m := NewMessage(threadID, KindToolResult, result)
	m.ToolCallID = callID
	return m
}

// Text returns the content or an empty string
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Validate checks the kind-specific shape of a message
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.ThreadID == "" {
		return fmt.Errorf("message %s: thread id is required", m.ID)
	}

	switch m.Kind {
	case KindUser, KindAssistantText:
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("message %s: %s cannot carry tool calls", m.ID, m.Kind)
		}
	case KindToolRequest:
		if len(m.ToolCalls) == 0 {
			return fmt.Errorf("message %s: tool request without tool calls", m.ID)
		}
		seen := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if tc.ID == "" || tc.Name == "" {
				return fmt.Errorf("message %s: tool call needs an id and a name", m.ID)
			}
			if seen[tc.ID] {
				return fmt.Errorf("message %s: duplicate tool call %s", m.ID, tc.ID)
			}
			if !tc.Validation.Valid() {
				return fmt.Errorf("message %s: tool call %s has invalid validation state %q", m.ID, tc.ID, tc.Validation)
			}
			seen[tc.ID] = true
		}
	case KindToolResult:
		if m.ToolCallID == "" {
			return fmt.Errorf("message %s: tool result without tool call id", m.ID)
		}
	default:
		return fmt.Errorf("message %s: unknown kind %q", m.ID, m.Kind)
	}
	return nil
}

// Clone returns a deep copy
func (m *Message) Clone() *Message {
	c := *m
	if m.Content != nil {
		content := *m.Content
		c.Content = &content
	}
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c.ToolCalls[i] = tc.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy
func (tc ToolCall) Clone() ToolCall {
	if tc.Result != nil {
		result := *tc.Result
		tc.Result = &result
	}
	return tc
}

// SetResult records the call's outcome and marks it completed
func (tc *ToolCall) SetResult(result string) {
	tc.Result = &result
	tc.Completed = true
}

// ArgumentsJSON returns the arguments when they are a complete JSON object, else {}
func (tc ToolCall) ArgumentsJSON() json.RawMessage {
	var obj map[string]json.RawMessage
	if tc.Arguments != "" && json.Unmarshal([]byte(tc.Arguments), &obj) == nil && obj != nil {
		return json.RawMessage(tc.Arguments)
	}
	return json.RawMessage("{}")
}
