package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query":     map[string]interface{}{"type": "string"},
			"page_size": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

func newSearchTool(t *testing.T, handler Handler) Tool {
	t.Helper()
	if handler == nil {
		handler = func(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			return map[string]interface{}{"query": input["query"], "hits": 3}, nil
		}
	}
	tl, err := New(Definition{
		Name:        "literature-search",
		Description: "Search the literature",
		Schema:      searchSchema(),
		Handler:     handler,
	})
	require.NoError(t, err)
	return tl
}

func TestNew(t *testing.T) {
	t.Run("should reject empty name", func(t *testing.T) {
		_, err := New(Definition{Description: "d", Handler: func(context.Context, map[string]interface{}, *ExecutionContext) (interface{}, error) { return nil, nil }})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name")
	})

	t.Run("should reject missing handler", func(t *testing.T) {
		_, err := New(Definition{Name: "x", Description: "d"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler")
	})

	t.Run("should reject invalid schema", func(t *testing.T) {
		_, err := New(Definition{
			Name:        "x",
			Description: "d",
			Schema:      map[string]interface{}{"type": 12},
			Handler:     func(context.Context, map[string]interface{}, *ExecutionContext) (interface{}, error) { return nil, nil },
		})
		assert.Error(t, err)
	})

	t.Run("should default frontend metadata", func(t *testing.T) {
		tl := newSearchTool(t, nil)
		meta := tl.Metadata()
		assert.Equal(t, "literature-search", meta.NameFrontend)
		assert.Equal(t, "Search the literature", meta.DescriptionFrontend)
		assert.False(t, tl.RequiresHIL())
	})
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("should run handler with valid input", func(t *testing.T) {
		tl := newSearchTool(t, nil)

		result, err := tl.Execute(ctx, json.RawMessage(`{"query":"neurons","page_size":5}`), &ExecutionContext{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"query":"neurons","hits":3}`, result)
	})

	t.Run("should return string results verbatim", func(t *testing.T) {
		tl := newSearchTool(t, func(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			return "plain text", nil
		})

		result, err := tl.Execute(ctx, json.RawMessage(`{"query":"a"}`), nil)
		require.NoError(t, err)
		assert.Equal(t, "plain text", result)
	})

	t.Run("should fail with validation error before side effects", func(t *testing.T) {
		called := false
		tl := newSearchTool(t, func(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			called = true
			return nil, nil
		})

		cases := []string{
			`{"page_size":5}`,
			`{"query":"a","page_size":500}`,
			`{"query":"a","unknown":true}`,
			`{"query":`,
			`[1,2]`,
		}
		for _, input := range cases {
			_, err := tl.Execute(ctx, json.RawMessage(input), nil)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "input %s", input)
			assert.Equal(t, "literature-search", ve.Tool)
			assert.NotEmpty(t, ve.Problems)
		}
		assert.False(t, called)
	})

	t.Run("should wrap handler failures as execution errors", func(t *testing.T) {
		backendErr := errors.New("upstream returned 502")
		tl := newSearchTool(t, func(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			return nil, backendErr
		})

		_, err := tl.Execute(ctx, json.RawMessage(`{"query":"a"}`), nil)
		var ee *ExecutionError
		require.True(t, errors.As(err, &ee))
		assert.ErrorIs(t, err, backendErr)
		assert.False(t, IsValidationError(err))
	})

	t.Run("should treat empty input as empty object", func(t *testing.T) {
		tl, err := New(Definition{
			Name:        "now",
			Description: "Current time",
			Handler: func(context.Context, map[string]interface{}, *ExecutionContext) (interface{}, error) {
				return "12:00", nil
			},
		})
		require.NoError(t, err)

		result, err := tl.Execute(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "12:00", result)
	})
}

func TestIsOnline(t *testing.T) {
	ctx := context.Background()
	handler := func(context.Context, map[string]interface{}, *ExecutionContext) (interface{}, error) { return nil, nil }

	t.Run("should default to online", func(t *testing.T) {
		tl, err := New(Definition{Name: "a", Description: "a", Handler: handler})
		require.NoError(t, err)
		assert.True(t, tl.IsOnline(ctx, nil))
	})

	t.Run("should report offline on probe error", func(t *testing.T) {
		tl, err := New(Definition{
			Name: "a", Description: "a", Handler: handler,
			HealthCheck: func(context.Context, *ExecutionContext) (bool, error) {
				return true, errors.New("dns failure")
			},
		})
		require.NoError(t, err)
		assert.False(t, tl.IsOnline(ctx, nil))
	})

	t.Run("should report offline on probe panic", func(t *testing.T) {
		tl, err := New(Definition{
			Name: "a", Description: "a", Handler: handler,
			HealthCheck: func(context.Context, *ExecutionContext) (bool, error) {
				panic("boom")
			},
		})
		require.NoError(t, err)
		assert.False(t, tl.IsOnline(ctx, nil))
	})
}
