package agent

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultModel                = "gpt-4o"
	DefaultMaxTurns             = 10
	DefaultMaxParallelToolCalls = 10
	DefaultMaxTokens            = 4096
)

// ErrInvalidConfig is wrapped by every Config.Validate failure
var ErrInvalidConfig = errors.New("invalid agent config")

// Config configures one run. It is not modified while the run is active.
type Config struct {
	Model                string   `json:"model"`
	Temperature          float64  `json:"temperature,omitempty"`
	MaxTokens            int      `json:"max_tokens,omitempty"`
	MaxTurns             int      `json:"max_turns"`
	MaxParallelToolCalls int      `json:"max_parallel_tool_calls"`
	Tools                []string `json:"tools,omitempty"`
	Instructions         string   `json:"instructions,omitempty"`
}

// DefaultConfig returns the default run configuration
func DefaultConfig() Config {
	return Config{
		Model:                DefaultModel,
		MaxTokens:            DefaultMaxTokens,
		MaxTurns:             DefaultMaxTurns,
		MaxParallelToolCalls: DefaultMaxParallelToolCalls,
	}
}

// WithModel returns a copy using model when it is not empty
func (c Config) WithModel(model string) Config {
	if model = strings.TrimSpace(model); model != "" {
		c.Model = model
	}
	c.Tools = append([]string(nil), c.Tools...)
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidConfig)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens cannot be negative", ErrInvalidConfig)
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("%w: max turns must be at least 1", ErrInvalidConfig)
	}
	if c.MaxParallelToolCalls < 1 {
		return fmt.Errorf("%w: max parallel tool calls must be at least 1", ErrInvalidConfig)
	}
	return nil
}
