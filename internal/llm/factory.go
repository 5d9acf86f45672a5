package llm

import (
	"fmt"
	"time"
)

// FactoryConfig selects and configures a provider without pulling the config
// package into llm.
type FactoryConfig struct {
	// Provider is "openai" or "anthropic".
	Provider string
	// Timeout bounds each provider API call.
	Timeout time.Duration

	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
}

// NewCompleter builds the Completer named by cfg.Provider.
func NewCompleter(cfg FactoryConfig) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI, cfg.Timeout), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.Anthropic, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
