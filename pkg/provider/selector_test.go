package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, req Request, handler EventHandler) (*Response, error) {
	return &Response{FinishReason: FinishStop}, nil
}

func TestSelectorResolve(t *testing.T) {
	openaiP := &fakeProvider{name: "OpenAI"}
	routerP := &fakeProvider{name: "OpenRouter"}

	t.Run("bare model goes to default", func(t *testing.T) {
		s := NewSelector(OpenAIName, map[string]Provider{OpenAIName: openaiP})
		res, err := s.Resolve("gpt-4o")
		require.NoError(t, err)
		assert.Same(t, openaiP, res.Provider)
		assert.Equal(t, OpenAIName, res.Key)
		assert.Equal(t, "gpt-4o", res.Model)
	})

	t.Run("prefix selects provider", func(t *testing.T) {
		s := NewSelector(OpenAIName, map[string]Provider{OpenAIName: openaiP, OpenRouterName: routerP})
		res, err := s.Resolve("openrouter/anthropic/claude-3-opus")
		require.NoError(t, err)
		assert.Same(t, routerP, res.Provider)
		assert.Equal(t, "anthropic/claude-3-opus", res.Model)
	})

	t.Run("remainder is kept verbatim", func(t *testing.T) {
		s := NewSelector(OpenAIName, map[string]Provider{OpenRouterName: routerP})
		res, err := s.Resolve("openrouter/a/b/c")
		require.NoError(t, err)
		assert.Equal(t, "a/b/c", res.Model)
	})

	t.Run("unknown prefix goes to default whole", func(t *testing.T) {
		s := NewSelector(OpenRouterName, map[string]Provider{OpenRouterName: routerP})
		res, err := s.Resolve("meta-llama/llama-3-70b")
		require.NoError(t, err)
		assert.Same(t, routerP, res.Provider)
		assert.Equal(t, "meta-llama/llama-3-70b", res.Model)
	})

	t.Run("provider without credentials", func(t *testing.T) {
		s := NewSelector(OpenRouterName, map[string]Provider{OpenRouterName: routerP})
		_, err := s.Resolve("openai/gpt-4")
		require.Error(t, err)

		var notConfigured *ProviderNotConfiguredError
		require.True(t, errors.As(err, &notConfigured))
		assert.Equal(t, "OpenAI", notConfigured.Provider)
		assert.Equal(t, "provider OpenAI is not configured", err.Error())
	})

	t.Run("default without credentials", func(t *testing.T) {
		s := NewSelector(AnthropicName, map[string]Provider{OpenAIName: openaiP})
		_, err := s.Resolve("claude-3-5-sonnet")
		var notConfigured *ProviderNotConfiguredError
		require.ErrorAs(t, err, &notConfigured)
		assert.Equal(t, "Anthropic", notConfigured.Provider)
	})

	t.Run("empty model", func(t *testing.T) {
		s := NewSelector(OpenAIName, map[string]Provider{OpenAIName: openaiP})
		for _, id := range []string{"", "  ", "openai/"} {
			_, err := s.Resolve(id)
			assert.ErrorIs(t, err, ErrEmptyModel, id)
		}
	})
}

func TestNewSelectorFromCredentials(t *testing.T) {
	t.Run("builds providers with keys only", func(t *testing.T) {
		s, err := NewSelectorFromCredentials(OpenAIName, map[string]Credentials{
			OpenAIName:     {APIKey: "sk-test"},
			OpenRouterName: {APIKey: "sk-or-v1-test"},
			AnthropicName:  {},
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, []string{OpenAIName, OpenRouterName}, s.Configured())
		assert.Equal(t, OpenAIName, s.Default())

		res, err := s.Resolve("openrouter/x/y")
		require.NoError(t, err)
		assert.Equal(t, "OpenRouter", res.Provider.Name())
	})

	t.Run("unknown default", func(t *testing.T) {
		_, err := NewSelectorFromCredentials("gemini", nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewSelectorFromCredentials(OpenAIName, map[string]Credentials{"mistral": {APIKey: "k"}}, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		reason   string
		hasCalls bool
		want     string
	}{
		{"stop", false, FinishStop},
		{"end_turn", false, FinishStop},
		{"stop", true, FinishToolCalls},
		{"", false, FinishStop},
		{"", true, FinishToolCalls},
		{"length", false, FinishLength},
		{"max_tokens", false, FinishLength},
		{"tool_calls", true, FinishToolCalls},
		{"tool_use", true, FinishToolCalls},
		{"content_filter", false, FinishContentFilter},
		{"something_new", false, FinishOther},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeFinishReason(tt.reason, tt.hasCalls))
		})
	}
}
