package llm

import (
	"log/slog"
	"os"
)

// Credentials collects the environment-sourced API keys
// RegisterDefaultClients needs. Any field left empty causes that
// provider to be skipped rather than registered half-configured.
type Credentials struct {
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GrokAPIKey       string
	GeminiAPIKey     string
	OpenRouterAPIKey string
}

// CredentialsFromEnv reads the conventional environment variable for
// each provider.
func CredentialsFromEnv() Credentials {
	return Credentials{
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GrokAPIKey:       os.Getenv("GROK_API_KEY"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
	}
}

// RegisterDefaultClients best-effort registers a client for every
// provider with a configured credential, plus the mock provider, which
// is always available. Providers missing a key are skipped silently —
// a partially configured environment should still start, just with a
// smaller set of usable models.
func RegisterDefaultClients(registry *ClientRegistry, creds Credentials, logger *slog.Logger) {
	registry.Register(NewMockClient())

	if creds.OpenAIAPIKey != "" {
		registry.Register(newOpenAICompatClient(ProviderOpenAI, "https://api.openai.com/v1", creds.OpenAIAPIKey, logger))
	}
	if creds.AnthropicAPIKey != "" {
		registry.Register(newAnthropicClient(creds.AnthropicAPIKey, logger))
	}
	if creds.GrokAPIKey != "" {
		registry.Register(newOpenAICompatClient(ProviderGrok, "https://api.x.ai/v1", creds.GrokAPIKey, logger))
	}
	if creds.GeminiAPIKey != "" {
		registry.Register(newOpenAICompatClient(ProviderGemini, "https://generativelanguage.googleapis.com/v1beta/openai", creds.GeminiAPIKey, logger))
	}
	if creds.OpenRouterAPIKey != "" {
		registry.Register(newOpenAICompatClient(ProviderOpenRouter, "https://openrouter.ai/api/v1", creds.OpenRouterAPIKey, logger))
	}
}
