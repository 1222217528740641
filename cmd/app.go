/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/josephgoksu/NoteWing/internal/clarify"
	"github.com/josephgoksu/NoteWing/internal/config"
	"github.com/josephgoksu/NoteWing/internal/enrich"
	"github.com/josephgoksu/NoteWing/internal/entity"
	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/llm"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/messaging"
	"github.com/josephgoksu/NoteWing/internal/telemetry"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/josephgoksu/NoteWing/internal/webhook"
	"github.com/spf13/viper"
)

// application is the fully wired service graph shared by serve, worker,
// search and mcp.
type application struct {
	settings  config.Settings
	store     *memory.SQLiteStore
	ledger    *usage.Ledger
	embedder  *enrich.EmbeddingClient
	pipeline  *enrich.Pipeline
	workflow  *clarify.Workflow
	workers   *enrich.WorkerPool
	engine    *knowledge.Engine
	webhooks  *webhook.Dispatcher
	telemetry telemetry.Client
}

// openStore loads settings and opens the note database.
func openStore() (config.Settings, *memory.SQLiteStore, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return config.Settings{}, nil, err
	}
	dir, err := config.GetStorageBasePath()
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("determine storage path: %w", err)
	}
	store, err := memory.NewSQLiteStore(dir)
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("open store at %s: %w", dir, err)
	}
	slog.Debug("store opened", "path", dir)
	return settings, store, nil
}

// newEmbeddingClient builds the embedding client. Provider problems are
// logged and produce a client that reports every call as unavailable, so
// notes are still stored and searchable by keyword.
func newEmbeddingClient(ctx context.Context, settings config.Settings) *enrich.EmbeddingClient {
	cfg, err := config.LoadEmbeddingConfig()
	if err != nil {
		slog.Warn("embedding provider not configured", "error", err)
		return enrich.NewEmbeddingClient(nil, "", settings.Pipeline.EmbeddingTimeout, settings.Pipeline.MaxInputChars)
	}
	cfg.Timeout = settings.Pipeline.EmbeddingTimeout
	modelName := cfg.EmbeddingModel
	if modelName == "" {
		modelName = llm.DefaultEmbeddingModelForProvider(string(cfg.Provider))
	}

	var embedder embedding.Embedder
	if e, err := llm.NewEmbeddingModel(ctx, cfg); err != nil {
		slog.Warn("embedding provider unavailable, running degraded", "provider", cfg.Provider, "error", err)
	} else {
		embedder = e
	}
	return enrich.NewEmbeddingClient(embedder, modelName, settings.Pipeline.EmbeddingTimeout, settings.Pipeline.MaxInputChars)
}

func newEntityExtractor(ctx context.Context, settings config.Settings) *enrich.EntityExtractor {
	cfg, err := config.LoadLLMConfig()
	if err != nil {
		slog.Warn("chat provider not configured", "error", err)
		return enrich.NewEntityExtractor(nil, "", settings.Pipeline.ExtractionTimeout, settings.Pipeline.MaxInputChars)
	}
	cfg.Timeout = settings.Pipeline.ExtractionTimeout

	var chat model.BaseChatModel
	if m, err := llm.NewChatModel(ctx, cfg); err != nil {
		slog.Warn("chat provider unavailable, running degraded", "provider", cfg.Provider, "error", err)
	} else {
		chat = m
	}
	return enrich.NewEntityExtractor(chat, cfg.Model, settings.Pipeline.ExtractionTimeout, settings.Pipeline.MaxInputChars)
}

// newTelemetryClient returns a PostHog client when the user opted in and an
// API key is configured, a no-op client otherwise.
func newTelemetryClient() telemetry.Client {
	dir, err := config.GetGlobalConfigDir()
	if err != nil {
		return telemetry.NewNoopClient()
	}
	cfg, err := telemetry.Load(telemetryFs, dir)
	if err != nil {
		slog.Debug("telemetry config unreadable", "error", err)
		return telemetry.NewNoopClient()
	}
	if viper.IsSet("telemetry.enabled") {
		cfg.Enabled = viper.GetBool("telemetry.enabled")
	}
	if !cfg.IsEnabled() {
		return telemetry.NewNoopClient()
	}
	client, err := telemetry.NewPostHogClient(telemetry.ClientConfig{
		APIKey:  viper.GetString("telemetry.apiKey"),
		Version: version,
		Config:  cfg,
	})
	if err != nil {
		slog.Debug("telemetry client init failed", "error", err)
		return telemetry.NewNoopClient()
	}
	return client
}

func newSender(settings config.Settings) messaging.Sender {
	if settings.Messaging.OutboundURL == "" {
		slog.Info("no messaging bridge configured, clarification questions are logged only")
		return messaging.LogSender{}
	}
	return messaging.NewHTTPSender(settings.Messaging.OutboundURL, settings.Messaging.Token, settings.Messaging.Timeout)
}

// newApplication wires storage, providers, the enrichment pipeline, the
// clarification workflow and search.
func newApplication(ctx context.Context) (*application, error) {
	settings, store, err := openStore()
	if err != nil {
		return nil, err
	}

	app := &application{
		settings:  settings,
		store:     store,
		ledger:    usage.NewLedger(store),
		embedder:  newEmbeddingClient(ctx, settings),
		webhooks:  webhook.NewDispatcher(store, settings.Webhook.Workers, settings.Webhook.QueueSize, settings.Webhook.Timeout),
		telemetry: newTelemetryClient(),
	}

	app.pipeline = enrich.NewPipeline(store, app.embedder, newEntityExtractor(ctx, settings), entity.NewLinker(store),
		enrich.WithUsage(app.ledger),
		enrich.WithPublisher(app.webhooks),
		enrich.WithTracker(app.telemetry),
	)
	app.workflow = clarify.NewWorkflow(store, newSender(settings), app.pipeline, app.webhooks)
	app.workflow.SetTracker(app.telemetry)
	app.pipeline.SetClarifier(app.workflow)

	app.rebuildWorkers()

	app.engine = knowledge.NewEngine(store, app.embedder,
		knowledge.WithRRFK(settings.Search.RRFK),
		knowledge.WithDefaultLimit(settings.Search.DefaultLimit),
		knowledge.WithVectorThreshold(settings.Search.VectorThreshold),
		knowledge.WithUsage(app.ledger),
		knowledge.WithTracker(app.telemetry),
	)
	return app, nil
}

// rebuildWorkers (re)creates the worker pool from the current settings.
func (a *application) rebuildWorkers() {
	a.workers = enrich.NewWorkerPool(a.store, a.pipeline, enrich.WorkerConfig{
		Workers:      a.settings.Pipeline.Workers,
		PollInterval: a.settings.Pipeline.PollInterval,
		RetryBackoff: a.settings.Pipeline.RetryBackoff,
		StaleAfter:   a.settings.Pipeline.StaleAfter,
	})
	a.workers.SetPublisher(a.webhooks)
	a.workers.SetTracker(a.telemetry)
}

// Close drains webhook deliveries, flushes telemetry and closes the store.
func (a *application) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.webhooks.Close(ctx); err != nil {
		slog.Warn("webhook deliveries not drained", "error", err)
	}
	if err := a.telemetry.Close(); err != nil {
		slog.Debug("telemetry close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close store: %v\n", err)
	}
}
