package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Provider keys accepted as model identifier prefixes
const (
	OpenAIName     = "openai"
	OpenRouterName = "openrouter"
	AnthropicName  = "anthropic"
)

var displayNames = map[string]string{
	OpenAIName:     "OpenAI",
	OpenRouterName: "OpenRouter",
	AnthropicName:  "Anthropic",
}

// DisplayName returns the human name of a provider key
func DisplayName(name string) string {
	if display, ok := displayNames[name]; ok {
		return display
	}
	return name
}

// Known reports whether name is a supported provider key
func Known(name string) bool {
	_, ok := displayNames[name]
	return ok
}

// Credentials configure one backend
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Resolution is the outcome of resolving a model identifier
type Resolution struct {
	Provider Provider
	// Key is the provider key, e.g. openrouter
	Key   string
	Model string
}

// Selector maps model identifiers to configured backends
type Selector struct {
	providers   map[string]Provider
	defaultName string
}

// NewSelector creates a selector over already built providers. Providers missing
// from the map are treated as not configured.
func NewSelector(defaultName string, providers map[string]Provider) *Selector {
	copied := make(map[string]Provider, len(providers))
	for name, p := range providers {
		if p != nil {
			copied[name] = p
		}
	}
	return &Selector{providers: copied, defaultName: defaultName}
}

// NewSelectorFromCredentials builds a provider for every entry with an API key
func NewSelectorFromCredentials(defaultName string, creds map[string]Credentials, logger zerolog.Logger) (*Selector, error) {
	if !Known(defaultName) {
		return nil, fmt.Errorf("unknown default provider %q", defaultName)
	}

	providers := make(map[string]Provider)
	for name, c := range creds {
		if c.APIKey == "" {
			continue
		}
		switch name {
		case OpenAIName:
			providers[name] = NewOpenAIProvider(OpenAIConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Logger: logger})
		case OpenRouterName:
			providers[name] = NewOpenRouterProvider(OpenRouterConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Logger: logger})
		case AnthropicName:
			providers[name] = NewAnthropicProvider(AnthropicConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Logger: logger})
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		logger.Info().Str("provider", DisplayName(name)).Msg("Provider configured")
	}

	return NewSelector(defaultName, providers), nil
}

// Resolve splits modelID on its first slash. A known provider prefix selects that
// provider and the remainder is the model id, verbatim. Anything else goes to the
// default provider whole.
func (s *Selector) Resolve(modelID string) (Resolution, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return Resolution{}, ErrEmptyModel
	}

	key, model := s.defaultName, modelID
	if prefix, rest, found := strings.Cut(modelID, "/"); found && Known(prefix) {
		key, model = prefix, rest
	}
	if model == "" {
		return Resolution{}, fmt.Errorf("%w: %q names no model", ErrEmptyModel, modelID)
	}

	p, ok := s.providers[key]
	if !ok {
		return Resolution{}, &ProviderNotConfiguredError{Provider: DisplayName(key)}
	}

	return Resolution{Provider: p, Key: key, Model: model}, nil
}

// Configured returns the keys of configured providers, sorted
func (s *Selector) Configured() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the default provider key
func (s *Selector) Default() string {
	return s.defaultName
}
