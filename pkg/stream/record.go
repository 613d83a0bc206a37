package stream

import "encoding/json"

// Tag identifies the kind of a record
type Tag byte

const (
	TagText          Tag = '0'
	TagReasoning     Tag = 'g'
	TagToolCall      Tag = '9'
	TagToolCallBegin Tag = 'b'
	TagToolCallDelta Tag = 'c'
	TagToolResult    Tag = 'a'
	TagFinishStep    Tag = 'e'
	TagDone          Tag = 'd'
	TagError         Tag = '3'
)

func (t Tag) String() string {
	return string(rune(t))
}

// Known reports whether t is part of the protocol
func (t Tag) Known() bool {
	switch t {
	case TagText, TagReasoning, TagToolCall, TagToolCallBegin, TagToolCallDelta,
		TagToolResult, TagFinishStep, TagDone, TagError:
		return true
	}
	return false
}

// Terminal reports whether no record may follow t
func (t Tag) Terminal() bool {
	return t == TagDone || t == TagError
}

// Finish reasons used in e and d records
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool-calls"
	FinishError     = "error"
	FinishOther     = "other"
)

// Record is one decoded line
type Record struct {
	Tag     Tag
	Payload json.RawMessage
}

// ToolCall is the payload of a 9 record
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolCallBegin is the payload of a b record
type ToolCallBegin struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

// ToolCallDelta is the payload of a c record
type ToolCallDelta struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

// ToolResult is the payload of an a record
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

// Finish is the payload of e and d records
type Finish struct {
	FinishReason string `json:"finishReason"`
}

// ArgsValue returns args as embeddable JSON. Complete JSON is passed through,
// incomplete or empty text is sent as a JSON string.
func ArgsValue(args string) json.RawMessage {
	if args != "" && json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// String decodes a text, reasoning or error payload
func (r Record) String() (string, error) {
	var s string
	err := json.Unmarshal(r.Payload, &s)
	return s, err
}

// Decode unmarshals the payload into v
func (r Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Payload, v)
}
