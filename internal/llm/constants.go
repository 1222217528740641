package llm

// Provider constants
const (
	// DefaultProvider is the default LLM provider
	DefaultProvider = ProviderOpenAI

	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Embedding model constants
const (
	// DefaultOpenAIEmbeddingModel is the default embedding model for OpenAI
	DefaultOpenAIEmbeddingModel = "text-embedding-3-small"

	// DefaultOllamaEmbeddingModel is the default embedding model for Ollama
	DefaultOllamaEmbeddingModel = "nomic-embed-text"

	// DefaultGeminiEmbeddingModel is the default embedding model for Gemini
	DefaultGeminiEmbeddingModel = "text-embedding-004"
)

// DefaultOllamaURL is the default URL for Ollama server
const DefaultOllamaURL = "http://localhost:11434"
