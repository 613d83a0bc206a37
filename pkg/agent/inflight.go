package agent

import (
	"strings"

	"github.com/harun/parley/pkg/hil"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
)

// inflight forwards provider events to the stream and keeps what was streamed so far
type inflight struct {
	enc       *stream.Encoder
	content   strings.Builder
	reasoning strings.Builder
	calls     []*partialCall
	byID      map[string]*partialCall
}

type partialCall struct {
	id       string
	name     string
	args     strings.Builder
	complete bool
}

func newInflight(enc *stream.Encoder) *inflight {
	return &inflight{enc: enc, byID: make(map[string]*partialCall)}
}

func (f *inflight) call(id, name string) *partialCall {
	pc, ok := f.byID[id]
	if !ok {
		pc = &partialCall{id: id, name: name}
		f.byID[id] = pc
		f.calls = append(f.calls, pc)
	}
	return pc
}

func (f *inflight) handle(ev provider.Event) error {
	var err error
	switch ev.Type {
	case provider.EventText:
		f.content.WriteString(ev.Text)
		err = f.enc.Text(ev.Text)
	case provider.EventReasoning:
		f.reasoning.WriteString(ev.Text)
		err = f.enc.Reasoning(ev.Text)
	case provider.EventToolCallBegin:
		f.call(ev.ToolCallID, ev.ToolName)
		err = f.enc.ToolCallBegin(ev.ToolCallID, ev.ToolName)
	case provider.EventToolCallDelta:
		f.call(ev.ToolCallID, ev.ToolName).args.WriteString(ev.ArgsDelta)
		err = f.enc.ToolCallDelta(ev.ToolCallID, ev.ArgsDelta)
	case provider.EventToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		pc := f.call(ev.ToolCall.ID, ev.ToolCall.Name)
		pc.args.Reset()
		pc.args.WriteString(ev.ToolCall.Arguments)
		pc.complete = true
		err = f.enc.ToolCall(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Arguments)
	}
	return writeErr(err)
}

// message builds the incomplete assistant message of an interrupted call. Argument
// text is kept as streamed, possibly truncated.
func (f *inflight) message(threadID string, tools map[string]tool.Tool) *thread.Message {
	if f.content.Len() == 0 && f.reasoning.Len() == 0 && len(f.calls) == 0 {
		return nil
	}

	kind := thread.KindAssistantText
	if len(f.calls) > 0 {
		kind = thread.KindToolRequest
	}
	msg := thread.NewMessage(threadID, kind, f.content.String())
	msg.Reasoning = f.reasoning.String()
	msg.IsComplete = false

	for _, pc := range f.calls {
		state := hil.NotRequired
		if t, ok := tools[pc.name]; ok {
			state = hil.Initial(t.RequiresHIL())
		}
		msg.ToolCalls = append(msg.ToolCalls, thread.ToolCall{
			ID:         pc.id,
			Name:       pc.name,
			Arguments:  pc.args.String(),
			Validation: state,
		})
	}
	return msg
}
