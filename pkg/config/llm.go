package config

import (
	"fmt"
	"os"
	"time"
)

// ThinkingConfig enables extended reasoning on providers that support it.
type ThinkingConfig struct {
	Enabled      bool `yaml:"enabled,omitempty"`
	BudgetTokens int  `yaml:"budget_tokens,omitempty"`
}

// LLMProviderConfig configures a single model provider instance.
type LLMProviderConfig struct {
	// Type of provider: "anthropic", "openai", "gemini"
	Type string `yaml:"type"`

	// Model name (e.g., "claude-sonnet-4-5", "gpt-4o", "gemini-2.0-flash")
	Model string `yaml:"model"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the provider's default API endpoint.
	Host string `yaml:"host,omitempty"`

	// System prompt prepended to every request.
	System string `yaml:"system,omitempty"`

	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`

	// Timeout for a single request, in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	Thinking *ThinkingConfig `yaml:"thinking,omitempty"`

	// Extra carries provider-specific flags not modeled above.
	Extra map[string]any `yaml:"extra,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "anthropic"
	}
	if c.APIKey == "" {
		switch c.Type {
		case "anthropic":
			c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("unsupported provider type: %s", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.Thinking != nil && c.Thinking.Enabled && c.Thinking.BudgetTokens <= 0 {
		return fmt.Errorf("thinking.budget_tokens must be positive when thinking is enabled")
	}
	return nil
}

func (c *LLMProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
