package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures the OpenRouter backend
type OpenRouterConfig struct {
	APIKey string
	// BaseURL overrides the OpenRouter endpoint
	BaseURL string
	Logger  zerolog.Logger
}

// OpenRouterProvider streams completions from OpenRouter's OpenAI-compatible API.
// Model ids keep their vendor prefix, e.g. anthropic/claude-3-opus.
type OpenRouterProvider struct {
	client *openai.Client
	logger zerolog.Logger
}

// NewOpenRouterProvider creates a new OpenRouter provider
func NewOpenRouterProvider(cfg OpenRouterConfig) *OpenRouterProvider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = openRouterBaseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenRouterProvider{
		client: openai.NewClientWithConfig(clientConfig),
		logger: cfg.Logger.With().Str("provider", "openrouter").Logger(),
	}
}

func (p *OpenRouterProvider) Name() string {
	return DisplayName(OpenRouterName)
}

func (p *OpenRouterProvider) Stream(ctx context.Context, req Request, handler EventHandler) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapError(p.Name(), req.Model, err)
	}
	defer stream.Close()

	emit := guard(handler)
	acc := newToolCallAccumulator(emit)
	resp := &Response{}
	var content, reasoning strings.Builder
	var finishReason string

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, finalizeError(p.Name(), req.Model, err)
		}

		if chunk.Usage != nil {
			resp.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if err := emit(Event{Type: EventReasoning, Text: choice.Delta.ReasoningContent}); err != nil {
				return nil, finalizeError(p.Name(), req.Model, err)
			}
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if err := emit(Event{Type: EventText, Text: choice.Delta.Content}); err != nil {
				return nil, finalizeError(p.Name(), req.Model, err)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if err := acc.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments); err != nil {
				return nil, finalizeError(p.Name(), req.Model, err)
			}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	calls, err := acc.finish()
	if err != nil {
		return nil, finalizeError(p.Name(), req.Model, err)
	}

	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	resp.ToolCalls = calls
	resp.FinishReason = normalizeFinishReason(finishReason, len(calls) > 0)

	p.logger.Debug().
		Str("model", req.Model).
		Str("finish_reason", resp.FinishReason).
		Int("tool_calls", len(calls)).
		Msg("Completion streamed")

	return resp, nil
}

func (p *OpenRouterProvider) convertMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			messages = append(messages, m)
		case RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return messages
}

func (p *OpenRouterProvider) convertTools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema,
			},
		})
	}
	return tools
}
