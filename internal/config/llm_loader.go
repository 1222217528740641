package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/josephgoksu/NoteWing/internal/llm"
	"github.com/spf13/viper"
)

// LoadLLMConfig loads LLM configuration from Viper and environment variables.
// Precedence: explicit config > environment > provider defaults.
func LoadLLMConfig() (llm.Config, error) {
	provider := viper.GetString("llm.provider")
	if provider == "" {
		provider = llm.DefaultProvider
	}
	llmProvider, err := llm.ValidateProvider(provider)
	if err != nil {
		return llm.Config{}, fmt.Errorf("invalid provider: %w", err)
	}

	model := viper.GetString("llm.model")
	if model == "" {
		model = llm.DefaultModelForProvider(string(llmProvider))
	}

	baseURL := viper.GetString("llm.baseURL")
	if baseURL == "" && llmProvider == llm.ProviderOllama {
		baseURL = llm.DefaultOllamaURL
	}

	return llm.Config{
		Provider:  llmProvider,
		Model:     model,
		APIKey:    ResolveAPIKey(llmProvider),
		BaseURL:   baseURL,
		MaxTokens: viper.GetInt("llm.maxTokens"),
	}, nil
}

// LoadEmbeddingConfig resolves the embedding provider. It defaults to the chat
// provider, except for Anthropic which has no embedding API and falls back to OpenAI.
func LoadEmbeddingConfig() (llm.Config, error) {
	provider := viper.GetString("llm.embeddingProvider")
	if provider == "" {
		provider = viper.GetString("llm.provider")
	}
	if provider == "" || provider == llm.ProviderAnthropic {
		provider = llm.ProviderOpenAI
	}
	embedProvider, err := llm.ValidateProvider(provider)
	if err != nil {
		return llm.Config{}, fmt.Errorf("invalid embedding provider: %w", err)
	}

	embeddingModel := viper.GetString("llm.embeddingModel")
	if embeddingModel == "" {
		embeddingModel = llm.DefaultEmbeddingModelForProvider(string(embedProvider))
	}

	baseURL := viper.GetString("llm.embeddingBaseURL")
	if baseURL == "" && embedProvider == llm.ProviderOllama {
		baseURL = viper.GetString("llm.baseURL")
	}

	return llm.Config{
		Provider:       embedProvider,
		EmbeddingModel: embeddingModel,
		APIKey:         ResolveAPIKey(embedProvider),
		BaseURL:        baseURL,
	}, nil
}

// ResolveAPIKey returns the API key for a provider from llm.apiKeys.<provider>,
// then the provider's environment variables.
func ResolveAPIKey(provider llm.Provider) string {
	path := fmt.Sprintf("llm.apiKeys.%s", provider)
	if viper.IsSet(path) {
		if key := strings.TrimSpace(viper.GetString(path)); key != "" {
			return key
		}
	}
	return providerEnvKey(provider)
}

func providerEnvKey(provider llm.Provider) string {
	switch provider {
	case llm.ProviderOpenAI:
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	case llm.ProviderAnthropic:
		return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	case llm.ProviderGemini:
		key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		if key == "" {
			key = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
		}
		return key
	default:
		return ""
	}
}
