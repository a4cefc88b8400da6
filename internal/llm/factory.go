package llm

import (
	"fmt"
	"log/slog"

	"github.com/osail-liaso/relay/internal/config"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/mistral"
	"github.com/tmc/langchaingo/llms/openai"
)

// FromConfig builds the registry of all five providers. A provider without a
// platform key is still registered so that accounts with their own key can use it.
func FromConfig(cfg config.Config, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()

	specs := []struct {
		name     string
		key      string
		endpoint string
		factory  ClientFactory
		extra    []Option
	}{
		{
			name:    models.ProviderOpenAI,
			key:     cfg.OpenAIAPIKey,
			factory: openAIFactory,
		},
		{
			name:    models.ProviderAnthropic,
			key:     cfg.AnthropicAPIKey,
			factory: anthropicFactory,
			extra:   []Option{WithMaxTokens(cfg.AnthropicMaxTokens), WithRoleRemap()},
		},
		{
			name:     models.ProviderAzureOpenAI,
			key:      cfg.AzureOpenAIKey,
			endpoint: cfg.AzureOpenAIEndpoint,
			factory:  azureFactory(cfg.AzureOpenAIAPIVersion),
		},
		{
			name:    models.ProviderMistral,
			key:     cfg.MistralAPIKey,
			factory: mistralFactory,
		},
		{
			name:    models.ProviderGroq,
			key:     cfg.GroqAPIKey,
			factory: groqFactory(cfg.GroqBaseURL),
		},
	}

	for _, s := range specs {
		opts := append([]Option{WithClientFactory(s.factory), WithLogger(logger)}, s.extra...)

		enabled := s.key != ""
		if s.name == models.ProviderAzureOpenAI {
			enabled = enabled && s.endpoint != ""
		}
		if enabled {
			platform, err := s.factory(s.key, s.endpoint)
			if err != nil {
				return nil, fmt.Errorf("create %s platform client: %w", s.name, err)
			}
			opts = append(opts, WithPlatformClient(platform))
		}

		reg.Register(NewChatProvider(s.name, opts...))
		logger.Info("provider registered", "provider", s.name, "platform_key", enabled)
	}

	return reg, nil
}

func openAIFactory(apiKey, _ string) (llms.Model, error) {
	return openai.New(openai.WithToken(apiKey))
}

func anthropicFactory(apiKey, _ string) (llms.Model, error) {
	return anthropic.New(anthropic.WithToken(apiKey))
}

func mistralFactory(apiKey, _ string) (llms.Model, error) {
	return mistral.New(mistral.WithAPIKey(apiKey))
}

func azureFactory(apiVersion string) ClientFactory {
	return func(apiKey, endpoint string) (llms.Model, error) {
		if endpoint == "" {
			return nil, fmt.Errorf("azure endpoint required")
		}
		return openai.New(
			openai.WithToken(apiKey),
			openai.WithBaseURL(endpoint),
			openai.WithAPIType(openai.APITypeAzure),
			openai.WithAPIVersion(apiVersion),
		)
	}
}

// Groq exposes an OpenAI-compatible API.
func groqFactory(baseURL string) ClientFactory {
	return func(apiKey, _ string) (llms.Model, error) {
		return openai.New(
			openai.WithToken(apiKey),
			openai.WithBaseURL(baseURL),
		)
	}
}
