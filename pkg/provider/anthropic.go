package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures the Anthropic backend
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Logger  zerolog.Logger
}

// AnthropicProvider streams messages from the Anthropic API
type AnthropicProvider struct {
	client anthropic.Client
	logger zerolog.Logger
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		logger: cfg.Logger.With().Str("provider", "anthropic").Logger(),
	}
}

func (p *AnthropicProvider) Name() string {
	return DisplayName(AnthropicName)
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request, handler EventHandler) (*Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = p.convertTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	emit := guard(handler)
	acc := newToolCallAccumulator(emit)
	resp := &Response{}
	var content, reasoning strings.Builder
	var stopReason string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			resp.Usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				if err := acc.add(int(start.Index), toolUse.ID, toolUse.Name, ""); err != nil {
					return nil, finalizeError(p.Name(), req.Model, err)
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			var err error
			switch delta.Delta.Type {
			case "text_delta":
				content.WriteString(delta.Delta.Text)
				err = emit(Event{Type: EventText, Text: delta.Delta.Text})
			case "thinking_delta":
				reasoning.WriteString(delta.Delta.Thinking)
				err = emit(Event{Type: EventReasoning, Text: delta.Delta.Thinking})
			case "input_json_delta":
				err = acc.add(int(delta.Index), "", "", delta.Delta.PartialJSON)
			}
			if err != nil {
				return nil, finalizeError(p.Name(), req.Model, err)
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
			resp.Usage.OutputTokens = int(md.Usage.OutputTokens)

		case "error":
			return nil, wrapError(p.Name(), req.Model, errors.New("stream error event"))
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
	resp.Reasoning = reasoning.String()
	resp.ToolCalls = calls
	resp.FinishReason = normalizeFinishReason(stopReason, len(calls) > 0)

	p.logger.Debug().
		Str("model", req.Model).
		Str("finish_reason", resp.FinishReason).
		Int("tool_calls", len(calls)).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("Message streamed")

	return resp, nil
}

// convertMessages folds consecutive tool results into a single user turn, which is
// how the Messages API expects parallel results.
func (p *AnthropicProvider) convertMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	flush()
	return out
}

func (p *AnthropicProvider) convertTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: spec.Schema["properties"],
			Required:   requiredFields(spec.Schema["required"]),
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: schema,
			},
		})
	}
	return tools
}

// toolInput returns args as raw JSON when they form an object
func toolInput(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage("{}")
}

func requiredFields(v interface{}) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []interface{}:
		fields := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	}
	return nil
}
