package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var providerNames = []string{"openai", "openrouter", "anthropic"}

// ValidateProviderName checks name against the supported backends
func (v *Validator) ValidateProviderName(name string) error {
	for _, known := range providerNames {
		if name == known {
			return nil
		}
	}
	return fmt.Errorf("invalid provider %q (must be one of: %s)", name, strings.Join(providerNames, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openrouter":
		if !strings.HasPrefix(key, "sk-or-") {
			return fmt.Errorf("invalid OpenRouter API key format (should start with sk-or-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model identifier. A provider prefix is optional, but
// when present it must be followed by a model id.
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	prefix, rest, found := strings.Cut(model, "/")
	if !found {
		return nil
	}
	if v.ValidateProviderName(prefix) == nil && rest == "" {
		return fmt.Errorf("model %q names provider %s without a model id", model, prefix)
	}
	return nil
}

// ValidateTemperature validates the sampling temperature
func (v *Validator) ValidateTemperature(temperature float64) error {
	if temperature < 0 || temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", temperature)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port %d", port)
	}
	return nil
}

// ValidateStorage validates the store selection
func (v *Validator) ValidateStorage(s StorageConfig) error {
	switch s.Driver {
	case "memory":
		return nil
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage driver %q (must be memory or sqlite)", s.Driver)
	}
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q", level)
}
