package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/parley/pkg/hil"
	"github.com/harun/parley/pkg/limiter"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPlainText(t *testing.T) {
	p := &scriptedProvider{turns: []turnFunc{textTurn("Hello there")}}
	h := newHarness(t, nil, p)

	_, records, err := h.run(t, params("t1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "0ed", tags(records))

	text, err := records[0].String()
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)

	var finish stream.Finish
	require.NoError(t, records[2].Decode(&finish))
	assert.Equal(t, stream.FinishStop, finish.FinishReason)

	msgs, err := h.store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, thread.KindUser, msgs[0].Kind)
	assert.Equal(t, thread.KindAssistantText, msgs[1].Kind)
	assert.Equal(t, "Hello there", msgs[1].Text())
	assert.True(t, msgs[1].IsComplete)

	req := p.calls()[0]
	assert.Equal(t, DefaultModel, req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, provider.RoleUser, req.Messages[0].Role)
}

func TestRunToolLoop(t *testing.T) {
	weather := &recordingTool{}
	h := newHarness(t, nil,
		&scriptedProvider{turns: []turnFunc{
			toolTurn(call("call_1", "get_weather", `{"city":"Paris"}`)),
			textTurn("It is sunny in Paris."),
		}},
		mustTool(t, tool.Definition{Name: "get_weather", Description: "Weather", Schema: citySchema, Handler: weather.handler("sunny")}),
	)

	_, records, err := h.run(t, params("t1", "weather in Paris?"))
	require.NoError(t, err)
	assert.Equal(t, "bc9ae0ed", tags(records))

	var tc stream.ToolCall
	require.NoError(t, records[2].Decode(&tc))
	assert.Equal(t, "get_weather", tc.ToolName)
	assert.JSONEq(t, `{"city":"Paris"}`, string(tc.Args))

	var result stream.ToolResult
	require.NoError(t, records[3].Decode(&result))
	assert.Equal(t, stream.ToolResult{ToolCallID: "call_1", Result: "sunny"}, result)

	var step stream.Finish
	require.NoError(t, records[4].Decode(&step))
	assert.Equal(t, stream.FinishToolCalls, step.FinishReason)

	assert.Equal(t, 1, weather.count())
	assert.Equal(t, "Paris", weather.last()["city"])

	// the second model call sees the request and its result
	second := h.provider.calls()[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, provider.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "call_1", second.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, provider.Message{Role: provider.RoleTool, ToolCallID: "call_1", Content: "sunny"}, second.Messages[2])
	require.Len(t, second.Tools, 1)
	assert.Equal(t, "get_weather", second.Tools[0].Name)

	msgs, err := h.store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, thread.KindToolRequest, msgs[1].Kind)
	assert.Equal(t, hil.NotRequired, msgs[1].ToolCalls[0].Validation)
	assert.True(t, msgs[1].ToolCalls[0].Completed)
	assert.Equal(t, thread.KindToolResult, msgs[2].Kind)
}

func TestRunRateLimit(t *testing.T) {
	lookup := &recordingTool{}
	calls := make([]provider.ToolCall, 5)
	for i := range calls {
		calls[i] = call("call_"+string(rune('a'+i)), "lookup", `{"city":"c`+string(rune('a'+i))+`"}`)
	}
	h := newHarness(t, nil,
		&scriptedProvider{turns: []turnFunc{toolTurn(calls...), textTurn("done")}},
		mustTool(t, tool.Definition{Name: "lookup", Description: "Lookup", Schema: citySchema, Handler: lookup.handler("found")}),
	)

	_, records, err := h.run(t, params("t1", "look up five", func(c *Config) { c.MaxParallelToolCalls = 3 }))
	require.NoError(t, err)
	assert.Equal(t, 3, lookup.count())

	var results []stream.ToolResult
	for _, r := range records {
		if r.Tag == stream.TagToolResult {
			var res stream.ToolResult
			require.NoError(t, r.Decode(&res))
			results = append(results, res)
		}
	}
	require.Len(t, results, 5)
	outcomes := make([]limiter.Outcome, len(results))
	for i, res := range results {
		assert.Equal(t, calls[i].ID, res.ToolCallID, "results follow request order")
		outcomes[i] = limiter.Executed
		if strings.Contains(res.Result, "rate limit") {
			outcomes[i] = limiter.RateLimited
		}
	}
	assert.Equal(t, []limiter.Outcome{limiter.Executed, limiter.Executed, limiter.Executed, limiter.RateLimited, limiter.RateLimited}, outcomes)
	assert.Equal(t, limiter.RateLimitMessage("lookup", calls[3].Arguments), results[3].Result)

	msgs, err := h.store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	for _, tc := range msgs[1].ToolCalls {
		assert.Equal(t, hil.NotRequired, tc.Validation)
		assert.True(t, tc.Completed)
	}
}

func TestRunHILAcceptWithEditedArgs(t *testing.T) {
	deleter := &recordingTool{}
	ctx := context.Background()
	h := newHarness(t, nil,
		&scriptedProvider{turns: []turnFunc{
			toolTurn(call("call_del", "delete_city", `{"city":"Paris"}`)),
			textTurn("Deleted."),
		}},
		mustTool(t, tool.Definition{Name: "delete_city", Description: "Delete", Schema: citySchema, HIL: true, Handler: deleter.handler("deleted")}),
	)

	_, records, err := h.run(t, params("t1", "delete Paris"))
	require.NoError(t, err)
	assert.Equal(t, "bc9ed", tags(records))
	var finish stream.Finish
	require.NoError(t, records[4].Decode(&finish))
	assert.Equal(t, stream.FinishToolCalls, finish.FinishReason)
	assert.Equal(t, 0, deleter.count(), "pending calls never execute")

	msgs, err := h.store.LoadMessages(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, hil.Pending, msgs[1].ToolCalls[0].Validation)

	t.Run("should refuse a new message while calls are pending", func(t *testing.T) {
		body, records, err := h.run(t, params("t1", "hello?"))
		assert.ErrorIs(t, err, ErrAwaitingValidation)
		assert.Equal(t, "3", tags(records))
		assert.Equal(t, `3:"tool calls are awaiting validation"`+"\n", body)
	})

	t.Run("should end again when resumed while pending", func(t *testing.T) {
		_, records, err := h.run(t, params("t1", ""))
		require.NoError(t, err)
		assert.Equal(t, "ed", tags(records))
		assert.Len(t, h.provider.calls(), 1)
	})

	res, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
		ThreadID:   "t1",
		ToolCallID: "call_del",
		Subject:    "user-1",
		Decision:   hil.Decision{Validation: hil.Accepted, Args: `{"city":"Lyon"}`},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	require.NotNil(t, res.Content)
	assert.Equal(t, "deleted", *res.Content)
	assert.Equal(t, "Lyon", deleter.last()["city"])

	msgs, err = h.store.LoadMessages(ctx, "t1")
	require.NoError(t, err)
	_, tc := thread.FindToolCall(msgs, "call_del")
	require.NotNil(t, tc)
	assert.Equal(t, hil.Accepted, tc.Validation)
	assert.Equal(t, `{"city":"Lyon"}`, tc.Arguments)
	assert.True(t, tc.Completed)

	t.Run("should refuse a second decision", func(t *testing.T) {
		_, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "call_del",
			Decision:   hil.Decision{Validation: hil.Rejected},
		})
		assert.ErrorIs(t, err, hil.ErrNotPending)
	})

	t.Run("should feed the result to the model on resume", func(t *testing.T) {
		_, records, err := h.run(t, params("t1", ""))
		require.NoError(t, err)
		assert.Equal(t, "0ed", tags(records))

		calls := h.provider.calls()
		last := calls[len(calls)-1]
		require.Len(t, last.Messages, 3)
		assert.Equal(t, `{"city":"Lyon"}`, last.Messages[1].ToolCalls[0].Arguments)
		assert.Equal(t, "deleted", last.Messages[2].Content)
	})
	assert.Equal(t, 1, deleter.count())
}

func TestValidateToolCall(t *testing.T) {
	setup := func(t *testing.T) (*harness, *recordingTool) {
		deleter := &recordingTool{}
		h := newHarness(t, nil,
			&scriptedProvider{turns: []turnFunc{toolTurn(call("call_del", "delete_city", `{"city":"Paris"}`))}},
			mustTool(t, tool.Definition{Name: "delete_city", Description: "Delete", Schema: citySchema, HIL: true, Handler: deleter.handler("deleted")}),
		)
		_, _, err := h.run(t, params("t1", "delete Paris"))
		require.NoError(t, err)
		return h, deleter
	}
	ctx := context.Background()

	t.Run("should record a rejection with feedback", func(t *testing.T) {
		h, deleter := setup(t)
		res, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "call_del",
			Decision:   hil.Decision{Validation: hil.Rejected, Feedback: "keep Paris"},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusDone, res.Status)
		assert.Equal(t, "The tool call has been rejected by the user. Feedback: keep Paris", *res.Content)
		assert.Equal(t, 0, deleter.count())

		msgs, err := h.store.LoadMessages(ctx, "t1")
		require.NoError(t, err)
		_, tc := thread.FindToolCall(msgs, "call_del")
		assert.Equal(t, hil.Rejected, tc.Validation)
		assert.Equal(t, *res.Content, thread.Results(msgs)["call_del"].Text())
	})

	t.Run("should keep the call pending when edited args fail the schema", func(t *testing.T) {
		h, deleter := setup(t)
		res, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "call_del",
			Decision:   hil.Decision{Validation: hil.Accepted, Args: `{"town":"Lyon"}`},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusValidationError, res.Status)
		require.NotNil(t, res.Content)
		assert.Contains(t, *res.Content, "invalid input for tool delete_city")
		assert.Equal(t, 0, deleter.count())

		msgs, err := h.store.LoadMessages(ctx, "t1")
		require.NoError(t, err)
		_, tc := thread.FindToolCall(msgs, "call_del")
		assert.Equal(t, hil.Pending, tc.Validation)
		assert.False(t, tc.Completed)
	})

	t.Run("should run the proposed args when accepted without edits", func(t *testing.T) {
		h, deleter := setup(t)
		res, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "call_del",
			Decision:   hil.Decision{Validation: hil.Accepted},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusDone, res.Status)
		assert.Equal(t, "Paris", deleter.last()["city"])
	})

	t.Run("should fail for an unknown call", func(t *testing.T) {
		h, _ := setup(t)
		_, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "nope",
			Decision:   hil.Decision{Validation: hil.Accepted},
		})
		assert.ErrorIs(t, err, thread.ErrToolCallNotFound)
	})

	t.Run("should refuse a malformed decision", func(t *testing.T) {
		h, _ := setup(t)
		_, err := h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "call_del",
			Decision:   hil.Decision{Validation: hil.Rejected, Args: `{"city":"Lyon"}`},
		})
		assert.ErrorIs(t, err, ErrInvalidDecision)

		_, err = h.routine.ValidateToolCall(ctx, ValidationRequest{
			ThreadID:   "t1",
			ToolCallID: "call_del",
			Decision:   hil.Decision{Validation: hil.Pending},
		})
		assert.ErrorIs(t, err, ErrInvalidDecision)
	})
}

func TestRunPersistenceFailure(t *testing.T) {
	t.Run("should fail when history cannot be loaded", func(t *testing.T) {
		p := &scriptedProvider{turns: []turnFunc{textTurn("never")}}
		h := newHarness(t, &failingStore{Store: thread.NewMemoryStore(), failLoad: true}, p)

		body, records, err := h.run(t, params("t1", "hi"))
		var pe *thread.PersistenceError
		require.ErrorAs(t, err, &pe)

		require.Len(t, records, 1)
		msg, _ := records[0].String()
		assert.Equal(t, "3:"+string(mustJSON(t, msg))+"\n", body)
		assert.Contains(t, msg, "disk full")
		assert.Empty(t, p.calls())
	})

	t.Run("should fail when a message cannot be appended", func(t *testing.T) {
		p := &scriptedProvider{turns: []turnFunc{textTurn("never")}}
		h := newHarness(t, &failingStore{Store: thread.NewMemoryStore(), failAppend: true}, p)

		_, records, err := h.run(t, params("t1", "hi"))
		require.Error(t, err)
		assert.Equal(t, "3", tags(records))
	})
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRunProviderErrors(t *testing.T) {
	t.Run("should fail when the provider is not configured", func(t *testing.T) {
		h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{textTurn("x")}})
		body, _, err := h.run(t, params("t1", "hi", func(c *Config) { c.Model = "anthropic/claude-3-5-sonnet" }))

		var notConfigured *provider.ProviderNotConfiguredError
		require.ErrorAs(t, err, &notConfigured)
		assert.Equal(t, `3:"provider Anthropic is not configured"`+"\n", body)
	})

	t.Run("should fail when the stream breaks after text", func(t *testing.T) {
		h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{
			func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
				_ = emit(provider.Event{Type: provider.EventText, Text: "partial"})
				return nil, &provider.ProviderError{Provider: "OpenAI", Model: req.Model, Err: errors.New("connection reset")}
			},
		}})

		_, records, err := h.run(t, params("t1", "hi"))
		require.Error(t, err)
		assert.Equal(t, "03", tags(records))

		msgs, err := h.store.LoadMessages(context.Background(), "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "partial", msgs[1].Text())
		assert.False(t, msgs[1].IsComplete)
	})

	t.Run("should report a non error panic as unknown", func(t *testing.T) {
		h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{
			func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
				panic(map[string]int{"boom": 1})
			},
		}})

		body, _, err := h.run(t, params("t1", "hi"))
		require.Error(t, err)
		assert.Equal(t, `3:"Unknown error"`+"\n", body)
		assert.False(t, h.routine.IsRunning("t1"))
	})

	t.Run("should refuse an invalid config", func(t *testing.T) {
		h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{textTurn("x")}})
		_, records, err := h.run(t, params("t1", "hi", func(c *Config) { c.MaxTurns = 0 }))
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, "3", tags(records))
	})

	t.Run("should refuse an empty conversation", func(t *testing.T) {
		h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{textTurn("x")}})
		_, _, err := h.run(t, params("t1", "  "))
		assert.ErrorIs(t, err, ErrEmptyConversation)
	})
}

func TestRunMaxTurns(t *testing.T) {
	counter := &recordingTool{}
	p := &scriptedProvider{turns: []turnFunc{toolTurn(call("c", "lookup", `{"city":"x"}`))}}
	h := newHarness(t, nil, p,
		mustTool(t, tool.Definition{Name: "lookup", Description: "Lookup", Schema: citySchema, Handler: counter.handler("again")}),
	)

	_, records, err := h.run(t, params("t1", "loop", func(c *Config) { c.MaxTurns = 1 }))
	require.NoError(t, err)
	assert.Equal(t, "bc9aed", tags(records))

	var step, done stream.Finish
	require.NoError(t, records[4].Decode(&step))
	require.NoError(t, records[5].Decode(&done))
	assert.Equal(t, stream.FinishLength, step.FinishReason)
	assert.Equal(t, stream.FinishLength, done.FinishReason)
	assert.Len(t, p.calls(), 1)
}

func TestRunMaxTurnsAcrossSteps(t *testing.T) {
	counter := &recordingTool{}
	n := 0
	p := &scriptedProvider{turns: []turnFunc{
		func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
			n++
			return toolTurn(call("call_"+string(rune('0'+n)), "lookup", `{"city":"x"}`))(ctx, req, emit)
		},
	}}
	h := newHarness(t, nil, p,
		mustTool(t, tool.Definition{Name: "lookup", Description: "Lookup", Schema: citySchema, Handler: counter.handler("again")}),
	)

	_, records, err := h.run(t, params("t1", "loop", func(c *Config) { c.MaxTurns = 3 }))
	require.NoError(t, err)
	assert.Len(t, p.calls(), 3)
	assert.Equal(t, 3, counter.count())

	last := records[len(records)-1]
	assert.Equal(t, stream.TagDone, last.Tag)
	var done stream.Finish
	require.NoError(t, last.Decode(&done))
	assert.Equal(t, stream.FinishLength, done.FinishReason)
}

func TestRunUnknownTool(t *testing.T) {
	h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{
		toolTurn(call("call_x", "launch_rocket", `{}`)),
		textTurn("I cannot do that."),
	}})

	_, records, err := h.run(t, params("t1", "launch"))
	require.NoError(t, err)
	assert.Equal(t, "bc9ae0ed", tags(records))

	var res stream.ToolResult
	require.NoError(t, records[3].Decode(&res))
	assert.Equal(t, notFoundResult("launch_rocket"), res.Result)
}

func TestRunToolFailuresContinue(t *testing.T) {
	failing := mustTool(t, tool.Definition{
		Name:        "flaky",
		Description: "Flaky",
		Schema:      citySchema,
		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
			return nil, errors.New("backend down")
		},
	})
	panicky := mustTool(t, tool.Definition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
			panic("nope")
		},
	})

	h := newHarness(t, nil, &scriptedProvider{turns: []turnFunc{
		toolTurn(
			call("c1", "flaky", `{"city":"x"}`),
			call("c2", "flaky", `{"town":"x"}`),
			call("c3", "panicky", `{}`),
		),
		textTurn("ok"),
	}}, failing, panicky)

	_, records, err := h.run(t, params("t1", "go"))
	require.NoError(t, err)

	var results []string
	for _, r := range records {
		if r.Tag == stream.TagToolResult {
			var res stream.ToolResult
			require.NoError(t, r.Decode(&res))
			results = append(results, res.Result)
		}
	}
	require.Len(t, results, 3)
	assert.Equal(t, "tool flaky failed: backend down", results[0])
	assert.Contains(t, results[1], "invalid input for tool flaky")
	assert.Equal(t, "tool panicky failed: Unknown error", results[2])
	assert.Equal(t, stream.TagDone, records[len(records)-1].Tag)
}

func TestRunStop(t *testing.T) {
	started := make(chan struct{})
	p := &scriptedProvider{turns: []turnFunc{
		func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
			_ = emit(provider.Event{Type: provider.EventText, Text: "Once upon"})
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	h := newHarness(t, nil, p)

	rec := httptest.NewRecorder()
	errc := make(chan error, 1)
	go func() {
		errc <- h.routine.Run(context.Background(), params("t1", "tell a story"), stream.NewEncoder(rec))
	}()

	<-started
	assert.True(t, h.routine.IsRunning("t1"))
	assert.True(t, h.routine.Stop("t1"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.False(t, h.routine.IsRunning("t1"))
	assert.False(t, h.routine.Stop("t1"))

	records, err := stream.DecodeAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "0d", tags(records))

	msgs, err := h.store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Text())
	assert.False(t, msgs[1].IsComplete)
}

func TestRunStopAfterStreamCompletes(t *testing.T) {
	started := make(chan struct{})
	p := &scriptedProvider{turns: []turnFunc{
		func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
			_ = emit(provider.Event{Type: provider.EventText, Text: "All done"})
			close(started)
			<-ctx.Done()
			return &provider.Response{Content: "All done", FinishReason: provider.FinishStop}, nil
		},
	}}
	h := newHarness(t, nil, p)

	rec := httptest.NewRecorder()
	errc := make(chan error, 1)
	go func() {
		errc <- h.routine.Run(context.Background(), params("t1", "finish up"), stream.NewEncoder(rec))
	}()

	<-started
	require.True(t, h.routine.Stop("t1"))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	records, err := stream.DecodeAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "0d", tags(records))

	msgs, err := h.store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, thread.KindAssistantText, msgs[1].Kind)
	assert.Equal(t, "All done", msgs[1].Text())
	assert.False(t, msgs[1].IsComplete)
}

func TestRunStopDuringToolCalls(t *testing.T) {
	fastDone := make(chan struct{})
	slowStarted := make(chan struct{})
	fast := mustTool(t, tool.Definition{Name: "fast", Description: "Fast", Schema: citySchema,
		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
			defer close(fastDone)
			return "fast-done", nil
		},
	})
	slow := mustTool(t, tool.Definition{Name: "slow", Description: "Slow", Schema: citySchema,
		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
			close(slowStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	h := newHarness(t, nil,
		&scriptedProvider{turns: []turnFunc{
			toolTurn(call("call_fast", "fast", `{"city":"Paris"}`), call("call_slow", "slow", `{"city":"Lyon"}`)),
			textTurn("unreachable"),
		}},
		fast, slow,
	)

	rec := httptest.NewRecorder()
	errc := make(chan error, 1)
	go func() {
		errc <- h.routine.Run(context.Background(), params("t1", "run both"), stream.NewEncoder(rec))
	}()

	<-fastDone
	<-slowStarted
	require.True(t, h.routine.Stop("t1"))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	records, err := stream.DecodeAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "bc9bc9d", tags(records))

	ctx := context.Background()
	msgs, err := h.store.LoadMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, thread.KindToolRequest, msgs[1].Kind)
	assert.False(t, msgs[1].IsComplete)

	t.Run("should keep the resolved result", func(t *testing.T) {
		_, tc := thread.FindToolCall(msgs, "call_fast")
		require.NotNil(t, tc)
		assert.True(t, tc.Completed)
		require.NotNil(t, tc.Result)
		assert.Equal(t, "fast-done", *tc.Result)

		result := thread.Results(msgs)["call_fast"]
		require.NotNil(t, result)
		assert.Equal(t, thread.KindToolResult, msgs[2].Kind)
		assert.Equal(t, "fast-done", result.Text())
	})

	t.Run("should leave the cut short call unresolved", func(t *testing.T) {
		_, tc := thread.FindToolCall(msgs, "call_slow")
		require.NotNil(t, tc)
		assert.False(t, tc.Completed)
		assert.Nil(t, tc.Result)
		assert.NotContains(t, thread.Results(msgs), "call_slow")
	})
}

// concurrencyGauge tracks how many tool handlers run at once
type concurrencyGauge struct {
	mu       sync.Mutex
	active   int
	peak     int
	finished []string
	both     chan struct{}
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	if g.active == 2 {
		close(g.both)
	}
}

func (g *concurrencyGauge) leave(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	g.finished = append(g.finished, id)
}

func waitOrTimeout(ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
	}
}

func TestRunConcurrentToolCalls(t *testing.T) {
	gauge := &concurrencyGauge{both: make(chan struct{})}
	fastDone := make(chan struct{})

	slow := mustTool(t, tool.Definition{Name: "slow_lookup", Description: "Slow", Schema: citySchema,
		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
			gauge.enter()
			waitOrTimeout(gauge.both)
			waitOrTimeout(fastDone)
			gauge.leave("c1")
			return "slow result", nil
		},
	})
	fast := mustTool(t, tool.Definition{Name: "fast_lookup", Description: "Fast", Schema: citySchema,
		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
			gauge.enter()
			waitOrTimeout(gauge.both)
			gauge.leave("c2")
			close(fastDone)
			return "fast result", nil
		},
	})
	h := newHarness(t, nil,
		&scriptedProvider{turns: []turnFunc{
			toolTurn(call("c1", "slow_lookup", `{"city":"Paris"}`), call("c2", "fast_lookup", `{"city":"Lyon"}`)),
			textTurn("both found"),
		}},
		slow, fast,
	)

	_, records, err := h.run(t, params("t1", "look up both"))
	require.NoError(t, err)

	t.Run("should run admitted calls concurrently", func(t *testing.T) {
		gauge.mu.Lock()
		defer gauge.mu.Unlock()
		assert.Equal(t, 2, gauge.peak)
		assert.Equal(t, []string{"c2", "c1"}, gauge.finished)
	})

	t.Run("should emit results in request order", func(t *testing.T) {
		var order []string
		for _, r := range records {
			if r.Tag == stream.TagToolResult {
				var res stream.ToolResult
				require.NoError(t, r.Decode(&res))
				order = append(order, res.ToolCallID)
			}
		}
		assert.Equal(t, []string{"c1", "c2"}, order)
	})

	t.Run("should persist results in request order", func(t *testing.T) {
		msgs, err := h.store.LoadMessages(context.Background(), "t1")
		require.NoError(t, err)
		var order []string
		for _, m := range msgs {
			if m.Kind == thread.KindToolResult {
				order = append(order, m.ToolCallID)
			}
		}
		assert.Equal(t, []string{"c1", "c2"}, order)
	})
}

func TestRunThreadBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := &scriptedProvider{turns: []turnFunc{
		func(ctx context.Context, req provider.Request, emit provider.EventHandler) (*provider.Response, error) {
			close(started)
			<-release
			return &provider.Response{FinishReason: provider.FinishStop}, nil
		},
	}}
	h := newHarness(t, nil, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.routine.Run(context.Background(), params("t1", "first"), stream.NewEncoder(httptest.NewRecorder()))
	}()
	<-started

	_, records, err := h.run(t, params("t1", "second"))
	assert.ErrorIs(t, err, ErrThreadBusy)
	assert.Equal(t, "3", tags(records))

	close(release)
	<-done
}

func TestProviderMessages(t *testing.T) {
	user := thread.NewMessage("t", thread.KindUser, "hi")
	req := thread.NewMessage("t", thread.KindToolRequest, "")
	req.ToolCalls = []thread.ToolCall{
		{ID: "a", Name: "x", Arguments: `{"q":1}`, Validation: hil.NotRequired},
		{ID: "b", Name: "x", Arguments: `{"q":`, Validation: hil.Pending},
	}
	interjection := thread.NewMessage("t", thread.KindUser, "still there?")
	resultA := thread.NewToolResult("t", "a", "one")

	msgs := providerMessages([]*thread.Message{user, req, interjection, resultA})
	require.Len(t, msgs, 4)
	assert.Equal(t, provider.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1, "calls without result are dropped")
	assert.Equal(t, provider.Message{Role: provider.RoleTool, ToolCallID: "a", Content: "one"}, msgs[2])
	assert.Equal(t, "still there?", msgs[3].Content)
}
