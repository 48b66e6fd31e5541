package llms

import (
	"fmt"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/registry"
)

// NewProvider builds a provider from its configuration.
func NewProvider(cfg *config.LLMProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// ProviderRegistry holds named provider instances.
type ProviderRegistry struct {
	registry.Registry[Provider]
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{Registry: registry.NewBaseRegistry[Provider]()}
}

// RegisterFromConfig builds and registers every provider in the config map.
func (r *ProviderRegistry) RegisterFromConfig(configs map[string]*config.LLMProviderConfig) error {
	for name, cfg := range configs {
		provider, err := NewProvider(cfg)
		if err != nil {
			return fmt.Errorf("llm %s: %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return err
		}
	}
	return nil
}
