package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main parley configuration
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	MCP       MCPConfig       `json:"mcp" mapstructure:"mcp"`
	Storage   StorageConfig   `json:"storage" mapstructure:"storage"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP gateway configuration
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// Seconds allowed for in-flight runs to finish on shutdown
	ShutdownTimeout int `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// Seconds allowed for a single tool health probe
	ProbeTimeout int `json:"probe_timeout" mapstructure:"probe_timeout"`
	// Per-subject message limits; zero disables the check
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrentRuns int `json:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// AgentConfig holds the defaults for every agent run
type AgentConfig struct {
	Model                string   `json:"model" mapstructure:"model"`
	Temperature          float64  `json:"temperature" mapstructure:"temperature"`
	MaxTokens            int      `json:"max_tokens" mapstructure:"max_tokens"`
	MaxTurns             int      `json:"max_turns" mapstructure:"max_turns"`
	MaxParallelToolCalls int      `json:"max_parallel_tool_calls" mapstructure:"max_parallel_tool_calls"`
	Tools                []string `json:"tools" mapstructure:"tools"` // empty exposes every registered tool
	Instructions         string   `json:"instructions" mapstructure:"instructions"`
}

// ProvidersConfig holds LLM backend credentials
type ProvidersConfig struct {
	Default    string         `json:"default" mapstructure:"default"` // openai, openrouter, anthropic
	OpenAI     ProviderConfig `json:"openai" mapstructure:"openai"`
	OpenRouter ProviderConfig `json:"openrouter" mapstructure:"openrouter"`
	Anthropic  ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
}

// ProviderConfig holds credentials for one backend
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// MCPConfig lists the tool servers to spawn at startup
type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers" mapstructure:"servers"`
}

// MCPServerConfig describes one stdio tool server
type MCPServerConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	// Tools on this server that need human approval; "*" selects all
	HIL []string `json:"hil" mapstructure:"hil"`
	// Seconds to wait for a tools/call response
	Timeout int `json:"timeout" mapstructure:"timeout"`
}

// StorageConfig selects the thread store
type StorageConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite
	Path   string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ShutdownTimeout:   15,
			ProbeTimeout:      5,
			RequestsPerMinute: 60,
			MaxConcurrentRuns: 4,
		},
		Agent: AgentConfig{
			Model:                "gpt-4o",
			Temperature:          0,
			MaxTokens:            4096,
			MaxTurns:             10,
			MaxParallelToolCalls: 10,
			Tools:                []string{},
			Instructions:         "You are a helpful assistant. Use the available tools when they help answer the user.",
		},
		Providers: ProvidersConfig{
			Default: "openai",
		},
		MCP: MCPConfig{
			Servers: []MCPServerConfig{},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "parley",
			SampleRatio: 1,
		},
	}
}

// Addr returns the listen address of the gateway
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProbeTimeoutDuration returns the health probe timeout
func (s ServerConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(s.ProbeTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the graceful shutdown timeout
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// Credentials returns the configured backends keyed by provider name
func (p ProvidersConfig) Credentials() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     p.OpenAI,
		"openrouter": p.OpenRouter,
		"anthropic":  p.Anthropic,
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Server.SharedSecret = mask(c.Server.SharedSecret)
	masked.Providers.OpenAI.APIKey = mask(c.Providers.OpenAI.APIKey)
	masked.Providers.OpenRouter.APIKey = mask(c.Providers.OpenRouter.APIKey)
	masked.Providers.Anthropic.APIKey = mask(c.Providers.Anthropic.APIKey)

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidatePort(c.Server.Port); err != nil {
		return err
	}

	if c.Server.RequestsPerMinute < 0 || c.Server.MaxConcurrentRuns < 0 {
		return fmt.Errorf("server request limits cannot be negative")
	}

	if err := v.ValidateProviderName(c.Providers.Default); err != nil {
		return fmt.Errorf("providers.default: %w", err)
	}

	configured := 0
	for name, pc := range c.Providers.Credentials() {
		if pc.APIKey == "" {
			continue
		}
		configured++
		if err := v.ValidateAPIKey(pc.APIKey, name); err != nil {
			return err
		}
	}
	if configured == 0 {
		return fmt.Errorf("no provider credentials configured: set at least one of providers.openai, providers.openrouter or providers.anthropic")
	}

	if err := v.ValidateModel(c.Agent.Model); err != nil {
		return fmt.Errorf("agent.model: %w", err)
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be at least 1")
	}
	if c.Agent.MaxParallelToolCalls < 1 {
		return fmt.Errorf("agent.max_parallel_tool_calls must be at least 1")
	}
	if err := v.ValidateTemperature(c.Agent.Temperature); err != nil {
		return fmt.Errorf("agent.temperature: %w", err)
	}

	if err := v.ValidateStorage(c.Storage); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp server %d: name is required", i)
		}
		if s.Command == "" {
			return fmt.Errorf("mcp server %s: command is required", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp server %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}
