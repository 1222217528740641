package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/josephgoksu/NoteWing/internal/entity"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/telemetry"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/josephgoksu/NoteWing/internal/webhook"
)

// Store is the note persistence the pipeline reads and writes.
type Store interface {
	GetNote(ctx context.Context, id string) (*memory.Note, error)
	AppliedContext(ctx context.Context, noteID string) ([]string, error)
	UpdateNoteEmbedding(ctx context.Context, id string, embedding []float32) error
	MergeNoteTags(ctx context.Context, id string, tags []string) ([]string, error)
	MergeNoteProperties(ctx context.Context, id string, properties []string) ([]string, error)
	MarkNoteEnriched(ctx context.Context, id string, at time.Time) error
}

// Linker resolves mentions to entities and links them to a note.
type Linker interface {
	Link(ctx context.Context, note *memory.Note, mentions entity.Mentions) (*entity.LinkResult, error)
}

// UsageRecorder appends token usage.
type UsageRecorder interface {
	Record(ctx context.Context, call usage.Call) (*memory.UsageRecord, error)
}

// Clarifier opens a disambiguation question about a note.
type Clarifier interface {
	Open(ctx context.Context, note *memory.Note, question string) (*memory.Clarification, error)
}

// Publisher emits webhook events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, owner, event string, data any)
}

// Tracker records anonymous telemetry events.
type Tracker interface {
	Track(event string, properties map[string]any)
}

// Result reports what one enrichment pass produced.
type Result struct {
	NoteID        string                `json:"noteId"`
	Embedding     Status                `json:"embedding"`
	Extraction    Status                `json:"extraction"`
	Links         memory.LinkSet        `json:"links,omitempty"`
	NewLinks      int                   `json:"newLinks"`
	Tags          []string              `json:"tags,omitempty"`
	Properties    []string              `json:"properties,omitempty"`
	Clarification *memory.Clarification `json:"clarification,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
}

// Degraded reports whether either provider call failed.
func (r *Result) Degraded() bool {
	return r.Embedding != StatusOK || r.Extraction != StatusOK
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Pipeline enriches one note at a time. It is safe for concurrent use.
type Pipeline struct {
	store     Store
	embedder  *EmbeddingClient
	extractor *EntityExtractor
	linker    Linker
	usage     UsageRecorder
	clarifier Clarifier
	publisher Publisher
	tracker   Tracker
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithUsage records provider token usage to u.
func WithUsage(u UsageRecorder) Option {
	return func(p *Pipeline) { p.usage = u }
}

// WithPublisher emits webhook events through pub.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithTracker sends telemetry events through t.
func WithTracker(t Tracker) Option {
	return func(p *Pipeline) { p.tracker = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline builds a pipeline. The clarifier is set separately with
// SetClarifier because the clarification workflow itself reprocesses notes
// through this pipeline.
func NewPipeline(store Store, embedder *EmbeddingClient, extractor *EntityExtractor, linker Linker, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		linker:    linker,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetClarifier enables opening clarification questions for ambiguous notes.
// Call it before workers start.
func (p *Pipeline) SetClarifier(c Clarifier) {
	p.clarifier = c
}

// Enrich embeds the note, extracts and links its entities, merges tags and
// properties, and opens a clarification when the extraction is ambiguous.
// Provider failures degrade the result; only store failures are errors.
func (p *Pipeline) Enrich(ctx context.Context, noteID string) (*Result, error) {
	note, extra, err := p.load(ctx, noteID, "")
	if err != nil {
		return nil, err
	}
	return p.run(ctx, note, extra, false)
}

// Reprocess re-runs enrichment with answer added to the note's applied
// clarification context. It never opens a new clarification.
func (p *Pipeline) Reprocess(ctx context.Context, noteID, answer string) (*Result, error) {
	note, extra, err := p.load(ctx, noteID, answer)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, note, extra, true)
}

func (p *Pipeline) load(ctx context.Context, noteID, answer string) (*memory.Note, []string, error) {
	note, err := p.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, nil, fmt.Errorf("load note: %w", err)
	}
	extra, err := p.store.AppliedContext(ctx, noteID)
	if err != nil {
		return nil, nil, fmt.Errorf("load clarification context: %w", err)
	}
	if answer != "" {
		dup := false
		for _, a := range extra {
			if a == answer {
				dup = true
				break
			}
		}
		if !dup {
			extra = append(extra, answer)
		}
	}
	return note, extra, nil
}

func (p *Pipeline) run(ctx context.Context, note *memory.Note, extra []string, reprocess bool) (*Result, error) {
	start := p.now()
	res := &Result{NoteID: note.ID}

	var emb EmbeddingResult
	var ext ExtractionResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		emb = p.embedder.Embed(gctx, BuildEmbeddingText(note.Title, note.Content, extra))
		return nil
	})
	g.Go(func() error {
		ext = p.extractor.Extract(gctx, ExtractionInput{
			Title:        note.Title,
			Content:      note.Content,
			Context:      extra,
			ExistingTags: note.Tags,
		})
		return nil
	})
	_ = g.Wait()

	res.Embedding, res.Extraction = emb.Status, ext.Status

	embedOp, extractOp := usage.OpEmbed, usage.OpExtract
	if reprocess {
		embedOp, extractOp = usage.OpClarifyEmbed, usage.OpReextract
	}

	if emb.OK() {
		if err := p.store.UpdateNoteEmbedding(ctx, note.ID, emb.Vector); err != nil {
			return nil, fmt.Errorf("store embedding: %w", err)
		}
		p.record(ctx, note, usage.Call{Model: p.embedder.Model(), Operation: embedOp, InputTokens: emb.InputTokens, Embedding: true})
	} else {
		res.warn("embedding %s: %v", emb.Status, emb.Err)
	}

	if ext.InputTokens > 0 {
		p.record(ctx, note, usage.Call{
			Model:        p.extractor.Model(),
			Operation:    extractOp,
			InputTokens:  ext.InputTokens,
			OutputTokens: ext.OutputTokens,
			Metadata:     map[string]any{"status": string(ext.Status)},
		})
	}

	if ext.OK() {
		if err := p.apply(ctx, note, ext.Extraction, res); err != nil {
			return nil, err
		}
		if !reprocess && ext.Extraction.Ambiguous() {
			p.openClarification(ctx, note, ext.Extraction.Question, res)
		}
	} else {
		res.warn("extraction %s: %v", ext.Status, ext.Err)
	}

	if !res.Degraded() {
		if err := p.store.MarkNoteEnriched(ctx, note.ID, p.now().UTC()); err != nil {
			return nil, fmt.Errorf("mark enriched: %w", err)
		}
		p.publish(ctx, note.Owner, webhook.EventNoteEnriched, map[string]any{
			"noteId":     note.ID,
			"links":      res.Links,
			"tags":       res.Tags,
			"properties": res.Properties,
			"reprocess":  reprocess,
		})
	}

	if p.tracker != nil {
		p.tracker.Track(telemetry.EventEnrichmentCompleted, map[string]any{
			"degraded":    res.Degraded(),
			"reprocess":   reprocess,
			"entities":    res.Links.Count(),
			"new_links":   res.NewLinks,
			"duration_ms": p.now().Sub(start).Milliseconds(),
		})
	}

	slog.Info("note enriched",
		"note", note.ID,
		"embedding", res.Embedding,
		"extraction", res.Extraction,
		"new_links", res.NewLinks,
		"reprocess", reprocess,
		"degraded", res.Degraded())
	return res, nil
}

// apply persists a successful extraction: links, tags and properties.
func (p *Pipeline) apply(ctx context.Context, note *memory.Note, ext *Extraction, res *Result) error {
	linked, err := p.linker.Link(ctx, note, ext.Mentions())
	if err != nil {
		return fmt.Errorf("link entities: %w", err)
	}
	res.Links = linked.Links
	res.NewLinks = linked.NewLinks
	for _, created := range linked.Created() {
		p.publish(ctx, note.Owner, webhook.EventEntityCreated, created)
	}
	for _, link := range linked.Linked {
		p.publish(ctx, note.Owner, webhook.EventEntityLinked, map[string]any{
			"noteId": note.ID,
			"entity": link,
		})
	}

	if res.Tags, err = p.store.MergeNoteTags(ctx, note.ID, ext.Tags); err != nil {
		return fmt.Errorf("merge tags: %w", err)
	}
	if res.Properties, err = p.store.MergeNoteProperties(ctx, note.ID, ext.Properties); err != nil {
		return fmt.Errorf("merge properties: %w", err)
	}
	return nil
}

func (p *Pipeline) openClarification(ctx context.Context, note *memory.Note, question string, res *Result) {
	if p.clarifier == nil {
		return
	}
	c, err := p.clarifier.Open(ctx, note, question)
	switch {
	case errors.Is(err, memory.ErrClarificationPending):
		slog.Debug("clarification already pending", "note", note.ID)
	case err != nil:
		res.warn("open clarification: %v", err)
		slog.Warn("open clarification failed", "note", note.ID, "error", err)
	default:
		res.Clarification = c
	}
}

// record appends usage; a ledger failure never fails enrichment.
func (p *Pipeline) record(ctx context.Context, note *memory.Note, call usage.Call) {
	if p.usage == nil {
		return
	}
	call.NoteID = note.ID
	call.Owner = note.Owner
	if _, err := p.usage.Record(ctx, call); err != nil {
		slog.Warn("record usage failed", "note", note.ID, "operation", call.Operation, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, owner, event string, data any) {
	if p.publisher != nil {
		p.publisher.Publish(ctx, owner, event, data)
	}
}
