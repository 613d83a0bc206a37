package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned for writes after a terminal record
var ErrStreamClosed = errors.New("stream already terminated")

// Encoder writes records to a client in the order they are produced.
// It is safe for concurrent use.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
	closed  bool
	last    Tag
	mu      sync.Mutex
}

// NewEncoder wraps w. If w is an http.Flusher every record is flushed.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Closed reports whether a terminal record was written
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Last returns the tag of the last record written, or 0
func (e *Encoder) Last() Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Encode writes a single record with an arbitrary payload
func (e *Encoder) Encode(tag Tag, payload interface{}) error {
	if !tag.Known() {
		return fmt.Errorf("unknown record tag %q", tag.String())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", tag, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrStreamClosed
	}
	if tag.Terminal() {
		e.closed = true
	}
	e.last = tag

	line := make([]byte, 0, len(data)+3)
	line = append(line, byte(tag), ':')
	line = append(line, data...)
	line = append(line, '\n')

	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s record: %w", tag, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *Encoder) Text(delta string) error {
	return e.Encode(TagText, delta)
}

func (e *Encoder) Reasoning(delta string) error {
	return e.Encode(TagReasoning, delta)
}

// ToolCall writes a complete tool call. args may be incomplete JSON.
func (e *Encoder) ToolCall(id, name, args string) error {
	return e.Encode(TagToolCall, ToolCall{ToolCallID: id, ToolName: name, Args: ArgsValue(args)})
}

func (e *Encoder) ToolCallBegin(id, name string) error {
	return e.Encode(TagToolCallBegin, ToolCallBegin{ToolCallID: id, ToolName: name})
}

func (e *Encoder) ToolCallDelta(id, delta string) error {
	return e.Encode(TagToolCallDelta, ToolCallDelta{ToolCallID: id, ArgsTextDelta: delta})
}

func (e *Encoder) ToolResult(id, result string) error {
	return e.Encode(TagToolResult, ToolResult{ToolCallID: id, Result: result})
}

func (e *Encoder) FinishStep(reason string) error {
	return e.Encode(TagFinishStep, Finish{FinishReason: reason})
}

// Done terminates a successful stream
func (e *Encoder) Done(reason string) error {
	return e.Encode(TagDone, Finish{FinishReason: reason})
}

// Error terminates a failed stream
func (e *Encoder) Error(message string) error {
	return e.Encode(TagError, message)
}
