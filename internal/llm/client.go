// Package llm builds Eino chat and embedding models for the configured provider.
package llm

import (
	"context"
	"fmt"
	"time"

	geminiEmbed "github.com/cloudwego/eino-ext/components/embedding/gemini"
	ollamaEmbed "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// Provider identifies the LLM provider to use.
type Provider string

// Config holds configuration for creating an LLM client.
type Config struct {
	Provider       Provider
	Model          string // Chat model
	EmbeddingModel string // Embedding model (optional)
	APIKey         string // Required for hosted providers
	BaseURL        string // Ollama server or OpenAI-compatible endpoint
	Timeout        time.Duration
	MaxTokens      int
}

const defaultClaudeMaxTokens = 1024

// NewChatModel creates an Eino BaseChatModel for the configured provider.
func NewChatModel(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultModelForProvider(string(cfg.Provider))
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:   modelName,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})

	case ProviderOllama:
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: ollamaURL(cfg),
			Model:   modelName,
			Timeout: cfg.Timeout,
		})

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelName,
			MaxTokens: maxTokens,
		})

	case ProviderGemini:
		client, err := newGenAIClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: openai, ollama, anthropic, gemini)", cfg.Provider)
	}
}

// ValidateProvider checks if the given provider string is supported.
func ValidateProvider(p string) (Provider, error) {
	switch Provider(p) {
	case ProviderOpenAI, ProviderOllama, ProviderAnthropic, ProviderGemini:
		return Provider(p), nil
	default:
		return "", fmt.Errorf("unsupported provider: %s", p)
	}
}

// NewEmbeddingModel creates an Eino Embedder for the configured provider.
// Anthropic has no embedding API and is rejected.
func NewEmbeddingModel(ctx context.Context, cfg Config) (embedding.Embedder, error) {
	modelName := cfg.EmbeddingModel
	if modelName == "" {
		modelName = DefaultEmbeddingModelForProvider(string(cfg.Provider))
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return openaiEmbed.NewEmbedder(ctx, &openaiEmbed.EmbeddingConfig{
			Model:   modelName,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})

	case ProviderOllama:
		return ollamaEmbed.NewEmbedder(ctx, &ollamaEmbed.EmbeddingConfig{
			BaseURL: ollamaURL(cfg),
			Model:   modelName,
			Timeout: cfg.Timeout,
		})

	case ProviderGemini:
		client, err := newGenAIClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return geminiEmbed.NewEmbedder(ctx, &geminiEmbed.EmbeddingConfig{
			Client: client,
			Model:  modelName,
		})

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

func newGenAIClient(ctx context.Context, cfg Config) (*genai.Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func ollamaURL(cfg Config) string {
	if cfg.BaseURL == "" {
		return DefaultOllamaURL
	}
	return cfg.BaseURL
}
