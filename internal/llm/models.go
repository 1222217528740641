package llm

import "strings"

// Model describes a chat model and its price per 1M tokens in USD.
type Model struct {
	ID          string
	ProviderID  string
	Aliases     []string // dated versions returned by the API
	InputPer1M  float64
	OutputPer1M float64
	IsDefault   bool
}

// EmbeddingModel describes an embedding model and its price per 1M input tokens.
type EmbeddingModel struct {
	ID         string
	ProviderID string
	Dimensions int
	PricePer1M float64
}

// ModelRegistry lists the chat models used for entity extraction.
// Prices last updated: 2025-12
var ModelRegistry = []Model{
	{ID: "gpt-4o-mini", ProviderID: ProviderOpenAI, Aliases: []string{"gpt-4o-mini-2024-07-18"}, InputPer1M: 0.15, OutputPer1M: 0.60, IsDefault: true},
	{ID: "gpt-4.1-mini", ProviderID: ProviderOpenAI, Aliases: []string{"gpt-4.1-mini-2025-04-14"}, InputPer1M: 0.40, OutputPer1M: 1.60},
	{ID: "gpt-4o", ProviderID: ProviderOpenAI, Aliases: []string{"gpt-4o-2024-08-06"}, InputPer1M: 2.50, OutputPer1M: 10.00},
	{ID: "gpt-5-mini", ProviderID: ProviderOpenAI, Aliases: []string{"gpt-5-mini-2025-08-07"}, InputPer1M: 0.25, OutputPer1M: 2.00},

	{ID: "claude-haiku-4.5", ProviderID: ProviderAnthropic, Aliases: []string{"claude-haiku-4-5"}, InputPer1M: 1.00, OutputPer1M: 5.00, IsDefault: true},
	{ID: "claude-sonnet-4.5", ProviderID: ProviderAnthropic, Aliases: []string{"claude-sonnet-4-5"}, InputPer1M: 3.00, OutputPer1M: 15.00},

	{ID: "gemini-2.5-flash", ProviderID: ProviderGemini, InputPer1M: 0.30, OutputPer1M: 2.50, IsDefault: true},
	{ID: "gemini-2.5-pro", ProviderID: ProviderGemini, InputPer1M: 1.25, OutputPer1M: 10.00},

	{ID: "llama3.2", ProviderID: ProviderOllama, IsDefault: true},
}

// EmbeddingRegistry lists the supported embedding models.
var EmbeddingRegistry = []EmbeddingModel{
	{ID: "text-embedding-3-small", ProviderID: ProviderOpenAI, Dimensions: 1536, PricePer1M: 0.02},
	{ID: "text-embedding-3-large", ProviderID: ProviderOpenAI, Dimensions: 3072, PricePer1M: 0.13},
	{ID: "text-embedding-ada-002", ProviderID: ProviderOpenAI, Dimensions: 1536, PricePer1M: 0.10},
	{ID: "text-embedding-004", ProviderID: ProviderGemini, Dimensions: 768},
	{ID: "nomic-embed-text", ProviderID: ProviderOllama, Dimensions: 768},
	{ID: "mxbai-embed-large", ProviderID: ProviderOllama, Dimensions: 1024},
}

var (
	modelIndex     = map[string]*Model{}
	embeddingIndex = map[string]*EmbeddingModel{}
)

func init() {
	for i := range ModelRegistry {
		m := &ModelRegistry[i]
		modelIndex[m.ID] = m
		for _, alias := range m.Aliases {
			modelIndex[alias] = m
		}
	}
	for i := range EmbeddingRegistry {
		embeddingIndex[EmbeddingRegistry[i].ID] = &EmbeddingRegistry[i]
	}
}

// GetModel returns the chat model for an ID or alias, or nil.
func GetModel(modelID string) *Model {
	return modelIndex[modelID]
}

// GetEmbeddingModel returns the embedding model for an ID, or nil.
func GetEmbeddingModel(modelID string) *EmbeddingModel {
	return embeddingIndex[modelID]
}

// DefaultModelForProvider returns the default chat model ID for a provider.
func DefaultModelForProvider(providerID string) string {
	for _, m := range ModelRegistry {
		if m.ProviderID == providerID && m.IsDefault {
			return m.ID
		}
	}
	return ""
}

// DefaultEmbeddingModelForProvider returns the default embedding model ID for a provider.
func DefaultEmbeddingModelForProvider(providerID string) string {
	switch providerID {
	case ProviderOpenAI:
		return DefaultOpenAIEmbeddingModel
	case ProviderOllama:
		return DefaultOllamaEmbeddingModel
	case ProviderGemini:
		return DefaultGeminiEmbeddingModel
	}
	return ""
}

// InferProvider attempts to determine the provider from a model name.
func InferProvider(modelID string) (string, bool) {
	if m := GetModel(modelID); m != nil {
		return m.ProviderID, true
	}
	if m := GetEmbeddingModel(modelID); m != nil {
		return m.ProviderID, true
	}

	switch {
	case strings.HasPrefix(modelID, "gpt-"), strings.HasPrefix(modelID, "o1-"), strings.HasPrefix(modelID, "o3-"),
		strings.HasPrefix(modelID, "text-embedding-3"):
		return ProviderOpenAI, true
	case strings.HasPrefix(modelID, "claude-"):
		return ProviderAnthropic, true
	case strings.HasPrefix(modelID, "gemini-"):
		return ProviderGemini, true
	case strings.HasPrefix(modelID, "llama"), strings.HasPrefix(modelID, "mistral"), strings.HasPrefix(modelID, "phi"):
		return ProviderOllama, true
	}
	return "", false
}
