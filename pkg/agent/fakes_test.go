package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type turnFunc func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error)

// scriptedProvider plays one turn per Stream call and repeats the last one
type scriptedProvider struct {
	mu       sync.Mutex
	turns    []turnFunc
	requests []provider.Request
}

func (p *scriptedProvider) Name() string { return "Scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	turn := p.turns[len(p.turns)-1]
	if n < len(p.turns) {
		turn = p.turns[n]
	}
	p.mu.Unlock()
	return turn(ctx, req, emit)
}

func (p *scriptedProvider) calls() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

func textTurn(text string) turnFunc {
	return func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
		if err := emit(provider.Event{Type: provider.EventText, Text: text}); err != nil {
			return nil, err
		}
		return &provider.Response{Content: text, FinishReason: provider.FinishStop}, nil
	}
}

func toolTurn(calls ...provider.ToolCall) turnFunc {
	return func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
		for _, c := range calls {
			events := []provider.Event{
				{Type: provider.EventToolCallBegin, ToolCallID: c.ID, ToolName: c.Name},
				{Type: provider.EventToolCallDelta, ToolCallID: c.ID, ToolName: c.Name, ArgsDelta: c.Arguments},
				{Type: provider.EventToolCall, ToolCallID: c.ID, ToolName: c.Name, ToolCall: &c},
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return nil, err
				}
			}
		}
		return &provider.Response{ToolCalls: calls, FinishReason: provider.FinishToolCalls}, nil
	}
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: args}
}

// failingStore fails the chosen operation
type failingStore struct {
	thread.Store
	failLoad   bool
	failAppend bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) LoadMessages(ctx context.Context, threadID string) ([]*thread.Message, error) {
	if s.failLoad {
		return nil, &thread.PersistenceError{Op: "load", ThreadID: threadID, Err: errDiskFull}
	}
	return s.Store.LoadMessages(ctx, threadID)
}

func (s *failingStore) AppendMessage(ctx context.Context, msg *thread.Message) error {
	if s.failAppend {
		return &thread.PersistenceError{Op: "append", ThreadID: msg.ThreadID, Err: errDiskFull}
	}
	return s.Store.AppendMessage(ctx, msg)
}

// recordingTool counts executions and remembers the last input
type recordingTool struct {
	mu     sync.Mutex
	inputs []map[string]interface{}
}

func (rt *recordingTool) handler(reply string) tool.Handler {
	return func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
		rt.mu.Lock()
		rt.inputs = append(rt.inputs, input)
		rt.mu.Unlock()
		return reply, nil
	}
}

func (rt *recordingTool) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.inputs)
}

func (rt *recordingTool) last() map[string]interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.inputs) == 0 {
		return nil
	}
	return rt.inputs[len(rt.inputs)-1]
}

var citySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"city": map[string]interface{}{"type": "string"},
	},
	"required":             []interface{}{"city"},
	"additionalProperties": false,
}

func mustTool(t *testing.T, def tool.Definition) tool.Tool {
	t.Helper()
	tl, err := tool.New(def)
	require.NoError(t, err)
	return tl
}

type harness struct {
	routine  *Routine
	store    thread.Store
	provider *scriptedProvider
	registry *tool.Registry
}

func newHarness(t *testing.T, store thread.Store, p *scriptedProvider, tools ...tool.Tool) *harness {
	t.Helper()
	if store == nil {
		store = thread.NewMemoryStore()
	}
	registry := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, registry.Register(tl))
	}
	selector := provider.NewSelector(provider.OpenAIName, map[string]provider.Provider{provider.OpenAIName: p})

	routine, err := NewRoutine(RoutineConfig{
		Resolver: selector,
		Registry: registry,
		Store:    store,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return &harness{routine: routine, store: store, provider: p, registry: registry}
}

// run executes one run and returns the raw body and decoded records
func (h *harness) run(t *testing.T, params RunParams) (string, []stream.Record, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	err := h.routine.Run(context.Background(), params, stream.NewEncoder(rec))
	body := rec.Body.String()
	records, derr := stream.DecodeAll(rec.Body)
	require.NoError(t, derr)
	return body, records, err
}

func tags(records []stream.Record) string {
	out := make([]byte, 0, len(records))
	for _, r := range records {
		out = append(out, byte(r.Tag))
	}
	return string(out)
}

func params(threadID, content string, mutate ...func(*Config)) RunParams {
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return RunParams{ThreadID: threadID, Content: content, Subject: "user-1", Config: cfg}
}
