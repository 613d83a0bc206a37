// Package tool defines the contract every callable capability exposes to the agent
// loop and the registry that looks tools up by name.
//
// Invariants:
// - Tool names are unique within a registry.
// - Input is schema-validated before a handler runs.
// - Health probes never fail a batch; a failing probe reports offline.
//
// Usage:
//
//	echo, _ := tool.New(tool.Definition{
//		Name:        "echo",
//		Description: "Echo input",
//		Schema: map[string]interface{}{
//			"type":       "object",
//			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
//			"required":   []string{"text"},
//		},
//		Handler: func(ctx context.Context, input map[string]interface{}, ec *tool.ExecutionContext) (interface{}, error) {
//			return input["text"], nil
//		},
//	})
//	registry := tool.NewRegistry()
//	_ = registry.Register(echo)
package tool
