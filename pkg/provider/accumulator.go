package provider

import "strings"

type partialCall struct {
	id    string
	name  string
	args  strings.Builder
	begun bool
}

// toolCallAccumulator assembles tool calls streamed as indexed fragments and
// emits begin and delta events as they arrive
type toolCallAccumulator struct {
	calls   map[int]*partialCall
	order   []int
	handler EventHandler
}

func newToolCallAccumulator(handler EventHandler) *toolCallAccumulator {
	return &toolCallAccumulator{
		calls:   make(map[int]*partialCall),
		handler: handler,
	}
}

// add merges one fragment for the call at index
func (a *toolCallAccumulator) add(index int, id, name, argsDelta string) error {
	pc, ok := a.calls[index]
	if !ok {
		pc = &partialCall{}
		a.calls[index] = pc
		a.order = append(a.order, index)
	}
	if id != "" && pc.id == "" {
		pc.id = id
	}
	if name != "" && pc.name == "" {
		pc.name = name
	}

	if !pc.begun && pc.name != "" {
		if pc.id == "" {
			pc.id = NewToolCallID()
		}
		pc.begun = true
		if err := a.handler(Event{Type: EventToolCallBegin, ToolCallID: pc.id, ToolName: pc.name}); err != nil {
			return err
		}
		// fragments that arrived before the name
		if pc.args.Len() > 0 {
			if err := a.handler(Event{Type: EventToolCallDelta, ToolCallID: pc.id, ToolName: pc.name, ArgsDelta: pc.args.String()}); err != nil {
				return err
			}
		}
	}

	if argsDelta == "" {
		return nil
	}
	pc.args.WriteString(argsDelta)
	if !pc.begun {
		return nil
	}
	return a.handler(Event{Type: EventToolCallDelta, ToolCallID: pc.id, ToolName: pc.name, ArgsDelta: argsDelta})
}

// finish emits a complete event per named call, in first-seen order
func (a *toolCallAccumulator) finish() ([]ToolCall, error) {
	var calls []ToolCall
	for _, index := range a.order {
		pc := a.calls[index]
		if pc.name == "" {
			continue
		}
		args := pc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		call := ToolCall{ID: pc.id, Name: pc.name, Arguments: args}
		if err := a.handler(Event{Type: EventToolCall, ToolCallID: call.ID, ToolName: call.Name, ToolCall: &call}); err != nil {
			return calls, err
		}
		calls = append(calls, call)
	}
	a.calls = make(map[int]*partialCall)
	a.order = nil
	return calls, nil
}
