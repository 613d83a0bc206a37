package mcp

import (
	"context"
	"fmt"

	"github.com/harun/parley/pkg/tool"
)

// Caller is the part of Client the tool factory needs
type Caller interface {
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error)
	Ping(ctx context.Context) error
}

// ToolError is a tools/call result flagged with isError
type ToolError struct {
	Server string
	Tool   string
	Text   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Server, e.Tool, e.Text)
}

// Tools lists the server's tools and wraps each as a tool.Tool. Calls are proxied
// to the server and health checks ping it.
func Tools(ctx context.Context, server string, caller Caller, hil []string) ([]tool.Tool, error) {
	remote, err := caller.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", server, err)
	}

	needsHIL := hilMatcher(hil)
	tools := make([]tool.Tool, 0, len(remote))
	for _, rt := range remote {
		name := rt.Name
		description := rt.Description
		if description == "" {
			description = fmt.Sprintf("%s tool from %s", name, server)
		}

		t, err := tool.New(tool.Definition{
			Name:        name,
			Description: description,
			Schema:      rt.InputSchema,
			HIL:         needsHIL(name),
			Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
				result, err := caller.CallTool(ctx, name, input)
				if err != nil {
					return nil, err
				}
				if result.IsError {
					return nil, &ToolError{Server: server, Tool: name, Text: result.Text()}
				}
				return result.Text(), nil
			},
			HealthCheck: func(ctx context.Context, ec *tool.ExecutionContext) (bool, error) {
				if err := caller.Ping(ctx); err != nil {
					return false, err
				}
				return true, nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("tool %s on %s: %w", name, server, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func hilMatcher(names []string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "*" {
			return func(string) bool { return true }
		}
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}
