package llm

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FactoryConfig selects and configures a provider. It mirrors the llm section
// of the service configuration without importing it.
type FactoryConfig struct {
	// Provider is "openai" or "anthropic", case-insensitive.
	Provider    string
	Temperature float64
	// Timeout bounds one HTTP call. Retries get their own timeout.
	Timeout    time.Duration
	MaxRetries int
	OpenAI     OpenAIConfig
	Anthropic  AnthropicConfig
}

type providerFactory func(cfg FactoryConfig) (Client, string)

var providers = map[string]providerFactory{
	"openai": func(cfg FactoryConfig) (Client, string) {
		return NewOpenAIProvider(cfg.OpenAI, cfg.Temperature, cfg.Timeout, cfg.MaxRetries), cfg.OpenAI.APIKey
	},
	"anthropic": func(cfg FactoryConfig) (Client, string) {
		return NewAnthropicProvider(cfg.Anthropic, cfg.Temperature, cfg.Timeout, cfg.MaxRetries), cfg.Anthropic.APIKey
	},
}

// NewClient builds the client for cfg.Provider. The selected provider must
// have an API key.
func NewClient(cfg FactoryConfig) (Client, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	factory, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM provider %q (supported: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	client, apiKey := factory(cfg)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM provider %s: API key is not set", name)
	}
	return client, nil
}

// Providers lists the supported provider names.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
