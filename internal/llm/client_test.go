package llm

import (
	"context"
	"math"
	"testing"
)

func TestValidateProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		want     Provider
		wantErr  bool
	}{
		{name: "openai", provider: "openai", want: ProviderOpenAI},
		{name: "ollama", provider: "ollama", want: ProviderOllama},
		{name: "anthropic", provider: "anthropic", want: ProviderAnthropic},
		{name: "gemini", provider: "gemini", want: ProviderGemini},
		{name: "invalid", provider: "invalid", wantErr: true},
		{name: "empty", provider: "", wantErr: true},
		{name: "case sensitive", provider: "OPENAI", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateProvider(tt.provider)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateProvider(%q) error = %v, wantErr %v", tt.provider, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateProvider(%q) = %q, want %q", tt.provider, got, tt.want)
			}
		})
	}
}

func TestNewChatModel_RequiresAPIKey(t *testing.T) {
	ctx := context.Background()
	for _, p := range []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini} {
		if _, err := NewChatModel(ctx, Config{Provider: p}); err == nil {
			t.Errorf("%s: expected missing API key error", p)
		}
	}
	if _, err := NewChatModel(ctx, Config{Provider: "bogus"}); err == nil {
		t.Error("expected unsupported provider error")
	}
}

func TestNewEmbeddingModel_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewEmbeddingModel(ctx, Config{Provider: ProviderOpenAI}); err == nil {
		t.Error("expected missing API key error")
	}
	if _, err := NewEmbeddingModel(ctx, Config{Provider: ProviderAnthropic, APIKey: "k"}); err == nil {
		t.Error("anthropic has no embedding API")
	}
	if _, err := NewEmbeddingModel(ctx, Config{Provider: ProviderOllama}); err != nil {
		t.Errorf("ollama embedder needs no key: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	if got := DefaultModelForProvider(ProviderOpenAI); got != "gpt-4o-mini" {
		t.Errorf("default openai model = %q", got)
	}
	if got := DefaultEmbeddingModelForProvider(ProviderOllama); got != DefaultOllamaEmbeddingModel {
		t.Errorf("default ollama embedding = %q", got)
	}
	if got := DefaultEmbeddingModelForProvider(ProviderAnthropic); got != "" {
		t.Errorf("anthropic embedding default = %q, want empty", got)
	}
}

func TestInferProvider(t *testing.T) {
	tests := map[string]string{
		"gpt-4o-mini-2024-07-18": ProviderOpenAI,
		"claude-3-haiku":         ProviderAnthropic,
		"gemini-2.0-flash":       ProviderGemini,
		"llama3.1":               ProviderOllama,
		"nomic-embed-text":       ProviderOllama,
	}
	for model, want := range tests {
		got, ok := InferProvider(model)
		if !ok || got != want {
			t.Errorf("InferProvider(%q) = %q, %v; want %q", model, got, ok, want)
		}
	}
	if _, ok := InferProvider("mystery"); ok {
		t.Error("expected unknown model to fail inference")
	}
}

func TestCalculateCost(t *testing.T) {
	got := CalculateCost("gpt-4o-mini", 1_000_000, 1_000_000)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("CalculateCost = %v, want 0.75", got)
	}
	if got := CalculateCost("gpt-4o-mini-2024-07-18", 2_000_000, 0); math.Abs(got-0.30) > 1e-9 {
		t.Errorf("alias cost = %v, want 0.30", got)
	}
	if got := CalculateCost("unknown", 1000, 1000); got != 0 {
		t.Errorf("unknown model cost = %v", got)
	}
	if got := CalculateEmbeddingCost("text-embedding-3-small", 500_000); math.Abs(got-0.01) > 1e-9 {
		t.Errorf("embedding cost = %v, want 0.01", got)
	}
	if got := CalculateEmbeddingCost("nomic-embed-text", 500_000); got != 0 {
		t.Errorf("local embedding cost = %v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 || EstimateTokens("abcd") != 1 || EstimateTokens("abcde") != 2 {
		t.Error("unexpected token estimates")
	}
}
