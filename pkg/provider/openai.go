package provider

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIConfig configures the OpenAI backend
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Logger  zerolog.Logger
}

// OpenAIProvider streams chat completions from OpenAI
type OpenAIProvider struct {
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		logger: cfg.Logger.With().Str("provider", "openai").Logger(),
	}
}

func (p *OpenAIProvider) Name() string {
	return DisplayName(OpenAIName)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, handler EventHandler) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: p.convertMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = p.convertTools(req.Tools)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	emit := guard(handler)
	acc := newToolCallAccumulator(emit)
	resp := &Response{}
	var content strings.Builder
	var finishReason string

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			resp.Usage = Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if err := emit(Event{Type: EventText, Text: choice.Delta.Content}); err != nil {
				return nil, finalizeError(p.Name(), req.Model, err)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := acc.add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments); err != nil {
				return nil, finalizeError(p.Name(), req.Model, err)
			}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, finalizeError(p.Name(), req.Model, err)
	}

	calls, err := acc.finish()
	if err != nil {
		return nil, finalizeError(p.Name(), req.Model, err)
	}

	resp.Content = content.String()
	resp.ToolCalls = calls
	resp.FinishReason = normalizeFinishReason(finishReason, len(calls) > 0)

	p.logger.Debug().
		Str("model", req.Model).
		Str("finish_reason", resp.FinishReason).
		Int("tool_calls", len(calls)).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("Completion streamed")

	return resp, nil
}

func (p *OpenAIProvider) convertMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return messages
}

func (p *OpenAIProvider) convertTools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Schema),
			},
		})
	}
	return tools
}
