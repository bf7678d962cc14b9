// Package resolve creates chat providers from provider-agnostic
// configuration, filling credentials, base URLs, and default models from
// the environment when unset.
package resolve

import (
	"fmt"
	"os"

	"github.com/bmcool/agentspine"
	"github.com/bmcool/agentspine/provider/anthropic"
	"github.com/bmcool/agentspine/provider/openaicompat"
)

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
)

// Config holds provider-agnostic configuration for creating a Provider.
// Zero fields are filled from the environment: API keys from
// OPENAI_API_KEY / ANTHROPIC_API_KEY, base URLs from OPENAI_BASE_URL /
// ANTHROPIC_BASE_URL, models from OPENAI_MODEL / ANTHROPIC_MODEL.
type Config struct {
	Provider string // "openai" (or any openai-compatible name), "anthropic"
	APIKey   string
	Model    string
	BaseURL  string
}

// Provider creates an agentspine.Provider from cfg.
func Provider(cfg Config) (agentspine.Provider, error) {
	switch cfg.Provider {
	case "", "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter":
		return openAIProvider(cfg), nil
	case "anthropic":
		return anthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// Model returns the effective model for cfg, after environment and
// built-in defaults.
func Model(cfg Config) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	switch cfg.Provider {
	case "anthropic":
		return envOr("ANTHROPIC_MODEL", DefaultAnthropicModel)
	default:
		return envOr("OPENAI_MODEL", DefaultOpenAIModel)
	}
}

func openAIProvider(cfg Config) agentspine.Provider {
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = envOr("OPENAI_BASE_URL", defaultBaseURL(name))
	}
	return openaicompat.NewProvider(apiKey, Model(cfg), baseURL, openaicompat.WithName(name))
}

func anthropicProvider(cfg Config) agentspine.Provider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	var opts []anthropic.ProviderOption
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ANTHROPIC_BASE_URL")
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return anthropic.NewProvider(apiKey, Model(cfg), opts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
