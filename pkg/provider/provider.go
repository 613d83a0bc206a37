// Package provider talks to LLM backends through a single streaming interface and
// resolves model identifiers to the backend that serves them.
package provider

import (
	"context"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Roles of the conversation sent to a backend
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported in Response, already in wire form
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool-calls"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

// Message is one conversation entry in backend-neutral form
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a complete call requested by the model. Arguments is raw JSON text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec advertises a tool to the model
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// Request is a single model call
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// EventType identifies a streamed event
type EventType int

const (
	EventText EventType = iota
	EventReasoning
	EventToolCallBegin
	EventToolCallDelta
	EventToolCall
)

// Event is one increment of model output, delivered in provider order
type Event struct {
	Type EventType
	// Text holds text and reasoning deltas
	Text       string
	ToolCallID string
	ToolName   string
	// ArgsDelta holds a fragment of tool call arguments
	ArgsDelta string
	// ToolCall is set for EventToolCall
	ToolCall *ToolCall
}

// EventHandler receives streamed events. Returning an error aborts the stream.
type EventHandler func(Event) error

// Usage reports token consumption
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the accumulated result of a streamed call
type Response struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Provider is an LLM backend
type Provider interface {
	// Name returns the provider's display name
	Name() string
	// Stream runs req, delivering events to handler as they arrive
	Stream(ctx context.Context, req Request, handler EventHandler) (*Response, error)
}

// NewToolCallID generates an id for backends that omit one
func NewToolCallID() string {
	id, err := gonanoid.New(24)
	if err != nil {
		return "call_fallback"
	}
	return "call_" + id
}

// normalizeFinishReason maps backend stop reasons to wire finish reasons
func normalizeFinishReason(reason string, hasToolCalls bool) string {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "tool_calls", "function_call", "tool_use":
		return FinishToolCalls
	case "content_filter", "refusal":
		return FinishContentFilter
	case "":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	default:
		return FinishOther
	}
}
