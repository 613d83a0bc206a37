package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Tool is the uniform shape of a callable capability, whether it is defined in code
// or materialized from a remote capability listing.
type Tool interface {
	// Name is the unique registry key and the stream-visible toolName
	Name() string
	Description() string
	Metadata() Metadata
	// InputSchema returns the JSON schema the input must satisfy
	InputSchema() map[string]interface{}
	RequiresHIL() bool
	// Execute validates input against InputSchema before running. Invalid input fails
	// with *ValidationError, backend failures with *ExecutionError.
	Execute(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (string, error)
	// IsOnline probes the tool backend. It never returns an error.
	IsOnline(ctx context.Context, ec *ExecutionContext) bool
}

// Metadata carries the human-facing presentation of a tool
type Metadata struct {
	NameFrontend        string   `json:"name_frontend"`
	DescriptionFrontend string   `json:"description_frontend"`
	Utterances          []string `json:"utterances"`
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	ThreadID   string
	ToolCallID string
	Subject    string
	Values     map[string]interface{}
}

// Handler runs a tool with already validated input
type Handler func(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (interface{}, error)

// HealthCheck reports whether the tool backend is reachable
type HealthCheck func(ctx context.Context, ec *ExecutionContext) (bool, error)

// Definition declares a tool. Pass it to New to obtain a Tool.
type Definition struct {
	Name                string
	NameFrontend        string
	Description         string
	DescriptionFrontend string
	Utterances          []string
	Schema              map[string]interface{}
	HIL                 bool
	Handler             Handler
	HealthCheck         HealthCheck
}

type definedTool struct {
	def    Definition
	schema *gojsonschema.Schema
}

// New validates a definition and compiles its input schema
func New(def Definition) (Tool, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return nil, fmt.Errorf("tool description cannot be empty for %s", def.Name)
	}
	if def.Handler == nil {
		return nil, fmt.Errorf("tool handler cannot be nil for %s", def.Name)
	}
	if def.Schema == nil {
		def.Schema = map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}
	if def.NameFrontend == "" {
		def.NameFrontend = def.Name
	}
	if def.DescriptionFrontend == "" {
		def.DescriptionFrontend = def.Description
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema for %s: %w", def.Name, err)
	}

	return &definedTool{def: def, schema: schema}, nil
}

func (t *definedTool) Name() string        { return t.def.Name }
func (t *definedTool) Description() string { return t.def.Description }
func (t *definedTool) RequiresHIL() bool   { return t.def.HIL }

func (t *definedTool) Metadata() Metadata {
	return Metadata{
		NameFrontend:        t.def.NameFrontend,
		DescriptionFrontend: t.def.DescriptionFrontend,
		Utterances:          append([]string(nil), t.def.Utterances...),
	}
}

func (t *definedTool) InputSchema() map[string]interface{} {
	return t.def.Schema
}

func (t *definedTool) Execute(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (string, error) {
	params, err := t.Validate(input)
	if err != nil {
		return "", err
	}

	result, err := t.def.Handler(ctx, params, ec)
	if err != nil {
		return "", &ExecutionError{Tool: t.def.Name, Err: err}
	}

	return FormatResult(result)
}

// Validate parses input and checks it against the tool's schema
func (t *definedTool) Validate(input json.RawMessage) (map[string]interface{}, error) {
	return ValidateInput(t.def.Name, t.schema, input)
}

func (t *definedTool) IsOnline(ctx context.Context, ec *ExecutionContext) (online bool) {
	if t.def.HealthCheck == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			online = false
		}
	}()

	ok, err := t.def.HealthCheck(ctx, ec)
	if err != nil {
		return false
	}
	return ok
}

// Validator is implemented by tools that can check input without executing
type Validator interface {
	Validate(input json.RawMessage) (map[string]interface{}, error)
}

// ValidateInput decodes raw JSON input and validates it against schema.
// Empty input is treated as an empty object.
func ValidateInput(name string, schema *gojsonschema.Schema, input json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}

	var params map[string]interface{}
	if err := json.Unmarshal(trimmed, &params); err != nil {
		return nil, &ValidationError{Tool: name, Problems: []string{"input is not a JSON object: " + err.Error()}}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	if schema == nil {
		return params, nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return nil, &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return nil, &ValidationError{Tool: name, Problems: problems}
	}

	return params, nil
}

// FormatResult renders a handler result as text for the model
func FormatResult(result interface{}) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(data), nil
}
