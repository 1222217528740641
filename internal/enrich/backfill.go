package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/usage"
)

// BackfillStore lists notes without a vector and stores new ones.
type BackfillStore interface {
	ListNotesMissingEmbedding(ctx context.Context, owner string) ([]memory.Note, error)
	AppliedContext(ctx context.Context, noteID string) ([]string, error)
	UpdateNoteEmbedding(ctx context.Context, id string, embedding []float32) error
}

// BackfillReport counts what a backfill run did.
type BackfillReport struct {
	Total    int      `json:"total"`
	Embedded int      `json:"embedded"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Backfiller embeds notes that never got a vector, bypassing the queue.
// Extraction is not run; use the queue for full enrichment.
type Backfiller struct {
	store    BackfillStore
	embedder *EmbeddingClient
	usage    UsageRecorder
}

// NewBackfiller returns a backfiller. recorder may be nil.
func NewBackfiller(store BackfillStore, embedder *EmbeddingClient, recorder UsageRecorder) *Backfiller {
	return &Backfiller{store: store, embedder: embedder, usage: recorder}
}

// Run embeds every note of owner lacking a vector, oldest first. An empty
// owner covers all owners. A failed note is counted and skipped; only a
// listing failure or cancellation stops the run.
func (b *Backfiller) Run(ctx context.Context, owner string) (*BackfillReport, error) {
	notes, err := b.store.ListNotesMissingEmbedding(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list notes missing embedding: %w", err)
	}

	report := &BackfillReport{Total: len(notes)}
	slog.Info("backfill started", "owner", owner, "notes", len(notes))

	for i := range notes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		note := &notes[i]
		if err := b.embed(ctx, note); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", note.ID, err))
			slog.Warn("backfill note failed", "note", note.ID, "error", err)
			continue
		}
		report.Embedded++
		slog.Debug("backfill note embedded", "note", note.ID, "progress", fmt.Sprintf("%d/%d", i+1, len(notes)))
	}

	slog.Info("backfill finished", "embedded", report.Embedded, "failed", report.Failed)
	return report, nil
}

func (b *Backfiller) embed(ctx context.Context, note *memory.Note) error {
	extra, err := b.store.AppliedContext(ctx, note.ID)
	if err != nil {
		return fmt.Errorf("load applied context: %w", err)
	}
	emb := b.embedder.Embed(ctx, BuildEmbeddingText(note.Title, note.Content, extra))
	if !emb.OK() {
		return emb.Err
	}
	if err := b.store.UpdateNoteEmbedding(ctx, note.ID, emb.Vector); err != nil {
		return err
	}

	if b.usage != nil {
		call := usage.Call{
			Model:       b.embedder.Model(),
			Operation:   usage.OpBackfillEmbed,
			InputTokens: emb.InputTokens,
			NoteID:      note.ID,
			Owner:       note.Owner,
			Embedding:   true,
		}
		if _, err := b.usage.Record(ctx, call); err != nil {
			slog.Warn("record usage failed", "note", note.ID, "operation", call.Operation, "error", err)
		}
	}
	return nil
}
