package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// PipelineConfig controls the enrichment queue and its workers.
type PipelineConfig struct {
	Workers           int           `validate:"min=1,max=64"`
	PollInterval      time.Duration `validate:"min=10ms"`
	MaxAttempts       int           `validate:"min=1,max=20"`
	RetryBackoff      time.Duration `validate:"min=0"`
	StaleAfter        time.Duration `validate:"min=30s"`
	EmbeddingTimeout  time.Duration `validate:"min=100ms"`
	ExtractionTimeout time.Duration `validate:"min=100ms"`
	MaxInputChars     int           `validate:"min=100"`
	FailedThreshold   int           `validate:"min=0"`
}

// SearchConfig controls hybrid retrieval.
type SearchConfig struct {
	RRFK         int           `validate:"min=1"`
	DefaultLimit int           `validate:"min=1,max=200"`
	CacheSize    int           `validate:"min=0"`
	CacheTTL     time.Duration `validate:"min=0"`
	// VectorThreshold drops vector hits below this cosine similarity; 0
	// keeps every hit.
	VectorThreshold float64 `validate:"min=0,max=1"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port               int `validate:"min=1,max=65535"`
	AllowedOrigins     []string
	RateLimitPerMinute int `validate:"min=0"`
}

// MessagingConfig points at the outbound chat bridge used to ask questions.
// An empty OutboundURL logs questions instead of sending them. The bridge
// signs inbound replies with InboundSecret; without one they are refused.
type MessagingConfig struct {
	OutboundURL   string `validate:"omitempty,url"`
	Token         string
	InboundSecret string
	Timeout       time.Duration `validate:"min=0"`
}

// WebhookConfig sizes the webhook delivery pool.
type WebhookConfig struct {
	Workers   int           `validate:"min=1"`
	QueueSize int           `validate:"min=1"`
	Timeout   time.Duration `validate:"min=100ms"`
}

// Settings groups every runtime setting besides LLM credentials.
type Settings struct {
	Pipeline  PipelineConfig
	Search    SearchConfig
	Server    ServerConfig
	Messaging MessagingConfig
	Webhook   WebhookConfig
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Pipeline: PipelineConfig{
			Workers:           2,
			PollInterval:      2 * time.Second,
			MaxAttempts:       3,
			RetryBackoff:      30 * time.Second,
			StaleAfter:        10 * time.Minute,
			EmbeddingTimeout:  15 * time.Second,
			ExtractionTimeout: 15 * time.Second,
			MaxInputChars:     8000,
			FailedThreshold:   10,
		},
		Search: SearchConfig{
			RRFK:            60,
			DefaultLimit:    10,
			CacheSize:       256,
			CacheTTL:        30 * time.Second,
			VectorThreshold: 0.25,
		},
		Server: ServerConfig{
			Port:               8765,
			RateLimitPerMinute: 120,
		},
		Messaging: MessagingConfig{
			Timeout: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			Workers:   2,
			QueueSize: 100,
			Timeout:   10 * time.Second,
		},
	}
}

var validate = validator.New()

// LoadSettings reads settings from Viper over the defaults and validates them.
func LoadSettings() (Settings, error) {
	d := DefaultSettings()
	s := Settings{
		Pipeline: PipelineConfig{
			Workers:           getIntWithDefault("pipeline.workers", d.Pipeline.Workers),
			PollInterval:      getDurationWithDefault("pipeline.pollInterval", d.Pipeline.PollInterval),
			MaxAttempts:       getIntWithDefault("pipeline.maxAttempts", d.Pipeline.MaxAttempts),
			RetryBackoff:      getDurationWithDefault("pipeline.retryBackoff", d.Pipeline.RetryBackoff),
			StaleAfter:        getDurationWithDefault("pipeline.staleAfter", d.Pipeline.StaleAfter),
			EmbeddingTimeout:  getDurationWithDefault("pipeline.embeddingTimeout", d.Pipeline.EmbeddingTimeout),
			ExtractionTimeout: getDurationWithDefault("pipeline.extractionTimeout", d.Pipeline.ExtractionTimeout),
			MaxInputChars:     getIntWithDefault("pipeline.maxInputChars", d.Pipeline.MaxInputChars),
			FailedThreshold:   getIntWithDefault("pipeline.failedThreshold", d.Pipeline.FailedThreshold),
		},
		Search: SearchConfig{
			RRFK:            getIntWithDefault("search.rrfK", d.Search.RRFK),
			DefaultLimit:    getIntWithDefault("search.defaultLimit", d.Search.DefaultLimit),
			CacheSize:       getIntWithDefault("search.cacheSize", d.Search.CacheSize),
			CacheTTL:        getDurationWithDefault("search.cacheTTL", d.Search.CacheTTL),
			VectorThreshold: getFloatWithDefault("search.vectorThreshold", d.Search.VectorThreshold),
		},
		Server: ServerConfig{
			Port:               getIntWithDefault("server.port", d.Server.Port),
			AllowedOrigins:     viper.GetStringSlice("server.allowedOrigins"),
			RateLimitPerMinute: getIntWithDefault("server.rateLimit.perMinute", d.Server.RateLimitPerMinute),
		},
		Messaging: MessagingConfig{
			OutboundURL:   viper.GetString("messaging.outboundURL"),
			Token:         viper.GetString("messaging.token"),
			InboundSecret: viper.GetString("messaging.inboundSecret"),
			Timeout:       getDurationWithDefault("messaging.timeout", d.Messaging.Timeout),
		},
		Webhook: WebhookConfig{
			Workers:   getIntWithDefault("webhook.workers", d.Webhook.Workers),
			QueueSize: getIntWithDefault("webhook.queueSize", d.Webhook.QueueSize),
			Timeout:   getDurationWithDefault("webhook.timeout", d.Webhook.Timeout),
		},
	}

	if err := validate.Struct(s); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	// A claim must outlive the slowest provider call or live work is recovered.
	if slowest := max(s.Pipeline.EmbeddingTimeout, s.Pipeline.ExtractionTimeout); s.Pipeline.StaleAfter <= slowest {
		return Settings{}, fmt.Errorf("invalid settings: pipeline.staleAfter (%s) must exceed the provider timeouts (%s)", s.Pipeline.StaleAfter, slowest)
	}
	return s, nil
}

func getIntWithDefault(key string, defaultVal int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return defaultVal
}

func getFloatWithDefault(key string, defaultVal float64) float64 {
	if viper.IsSet(key) {
		return viper.GetFloat64(key)
	}
	return defaultVal
}

func getDurationWithDefault(key string, defaultVal time.Duration) time.Duration {
	if viper.IsSet(key) {
		return viper.GetDuration(key)
	}
	return defaultVal
}
