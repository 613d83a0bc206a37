package agent

import (
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/thread"
)

func buildRequest(rs *run) provider.Request {
	cfg := rs.params.Config
	return provider.Request{
		Model:       rs.model,
		System:      cfg.Instructions,
		Messages:    providerMessages(rs.history),
		Tools:       rs.specs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
}

// providerMessages converts a thread for the model. Calls without a result are left
// out and every result directly follows the request that issued it, wherever it was
// stored.
func providerMessages(history []*thread.Message) []provider.Message {
	results := thread.Results(history)
	out := make([]provider.Message, 0, len(history))

	for _, m := range history {
		switch m.Kind {
		case thread.KindUser:
			out = append(out, provider.Message{Role: provider.RoleUser, Content: m.Text()})

		case thread.KindAssistantText:
			if m.Text() == "" {
				continue
			}
			out = append(out, provider.Message{Role: provider.RoleAssistant, Content: m.Text()})

		case thread.KindToolRequest:
			assistant := provider.Message{Role: provider.RoleAssistant, Content: m.Text()}
			var answers []provider.Message
			for _, tc := range m.ToolCalls {
				result, ok := results[tc.ID]
				if !ok {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, provider.ToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: string(tc.ArgumentsJSON()),
				})
				answers = append(answers, provider.Message{
					Role:       provider.RoleTool,
					ToolCallID: tc.ID,
					Content:    result.Text(),
				})
			}
			if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			out = append(out, assistant)
			out = append(out, answers...)
		}
	}
	return out
}
