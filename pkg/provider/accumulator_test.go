package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallAccumulator(t *testing.T) {
	t.Run("streams begin deltas and complete", func(t *testing.T) {
		var events []Event
		acc := newToolCallAccumulator(func(ev Event) error {
			events = append(events, ev)
			return nil
		})

		require.NoError(t, acc.add(0, "call_1", "get_weather", ""))
		require.NoError(t, acc.add(0, "", "", `{"city":`))
		require.NoError(t, acc.add(0, "", "", `"Paris"}`))

		calls, err := acc.finish()
		require.NoError(t, err)
		require.Len(t, calls, 1)
		assert.Equal(t, ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}, calls[0])

		require.Len(t, events, 4)
		assert.Equal(t, EventToolCallBegin, events[0].Type)
		assert.Equal(t, EventToolCallDelta, events[1].Type)
		assert.Equal(t, `{"city":`, events[1].ArgsDelta)
		assert.Equal(t, EventToolCallDelta, events[2].Type)
		assert.Equal(t, EventToolCall, events[3].Type)
		assert.Equal(t, "call_1", events[3].ToolCall.ID)
	})

	t.Run("fragments before name are replayed", func(t *testing.T) {
		var events []Event
		acc := newToolCallAccumulator(func(ev Event) error {
			events = append(events, ev)
			return nil
		})

		require.NoError(t, acc.add(0, "", "", `{"a":1}`))
		assert.Empty(t, events)
		require.NoError(t, acc.add(0, "", "search", ""))

		require.Len(t, events, 2)
		assert.Equal(t, EventToolCallBegin, events[0].Type)
		assert.NotEmpty(t, events[0].ToolCallID)
		assert.Equal(t, `{"a":1}`, events[1].ArgsDelta)
	})

	t.Run("keeps first seen order and defaults empty args", func(t *testing.T) {
		acc := newToolCallAccumulator(func(Event) error { return nil })
		require.NoError(t, acc.add(2, "b", "second", ""))
		require.NoError(t, acc.add(0, "a", "first", `{}`))
		require.NoError(t, acc.add(5, "", "", `{"x":1}`))

		calls, err := acc.finish()
		require.NoError(t, err)
		require.Len(t, calls, 2)
		assert.Equal(t, "second", calls[0].Name)
		assert.Equal(t, "{}", calls[0].Arguments)
		assert.Equal(t, "first", calls[1].Name)
	})

	t.Run("handler error stops", func(t *testing.T) {
		boom := errors.New("boom")
		acc := newToolCallAccumulator(func(Event) error { return boom })
		assert.ErrorIs(t, acc.add(0, "id", "name", ""), boom)
	})
}

func TestGuardAndFinalizeError(t *testing.T) {
	boom := errors.New("client went away")
	handler := guard(func(Event) error { return boom })

	err := finalizeError("OpenAI", "gpt-4o", handler(Event{}))
	assert.Equal(t, boom, err)

	err = finalizeError("OpenAI", "gpt-4o", errors.New("status 500"))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "OpenAI (gpt-4o): status 500", err.Error())

	assert.NoError(t, guard(nil)(Event{}))
}
