package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/josephgoksu/NoteWing/internal/enrich"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/telemetry"
	"github.com/josephgoksu/NoteWing/internal/usage"
)

var validate = validator.New()

// Store is the read path the engine ranks over.
type Store interface {
	SearchNotesFTS(ctx context.Context, owner, query string, filter memory.NoteFilter, limit int) ([]memory.FTSResult, error)
	ListNoteEmbeddings(ctx context.Context, owner string, filter memory.NoteFilter) ([]memory.NoteEmbedding, error)
}

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) enrich.EmbeddingResult
	Model() string
}

// UsageRecorder appends token usage for query embeddings.
type UsageRecorder interface {
	Record(ctx context.Context, call usage.Call) (*memory.UsageRecord, error)
}

// Tracker records anonymous telemetry events.
type Tracker interface {
	Track(event string, properties map[string]any)
}

// Request is one search. Owner is required and scopes every ranking.
type Request struct {
	Query    string `json:"query" validate:"required,max=1000"`
	Owner    string `json:"-" validate:"required"`
	Limit    int    `json:"limit,omitempty" validate:"min=0,max=200"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Filter returns the note filter the request implies.
func (r Request) Filter() memory.NoteFilter {
	return memory.NoteFilter{Category: r.Category, Type: r.Type}
}

// Response is the fused, truncated result list. Degraded is set when the
// semantic ranking could not run and hits are keyword-only.
type Response struct {
	Query    string   `json:"query"`
	Hits     []Hit    `json:"hits"`
	Total    int      `json:"total"`
	Degraded bool     `json:"degraded,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Engine runs hybrid search. It is safe for concurrent use.
type Engine struct {
	store     Store
	embedder  QueryEmbedder
	usage     UsageRecorder
	tracker   Tracker
	k         int
	limit     int
	threshold float32
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRRFK sets the fusion constant.
func WithRRFK(k int) EngineOption {
	return func(e *Engine) {
		if k > 0 {
			e.k = k
		}
	}
}

// WithDefaultLimit sets the limit used when a request has none.
func WithDefaultLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithVectorThreshold sets the cosine similarity below which semantic
// candidates are dropped. 0 keeps every candidate.
func WithVectorThreshold(floor float64) EngineOption {
	return func(e *Engine) {
		if floor >= 0 {
			e.threshold = float32(floor)
		}
	}
}

// WithUsage records query embedding usage.
func WithUsage(u UsageRecorder) EngineOption {
	return func(e *Engine) { e.usage = u }
}

// WithTracker sends a telemetry event per search.
func WithTracker(t Tracker) EngineOption {
	return func(e *Engine) { e.tracker = t }
}

// NewEngine returns an engine over store. A nil embedder makes every search
// keyword-only and degraded.
func NewEngine(store Store, embedder QueryEmbedder, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		embedder:  embedder,
		k:         DefaultRRFK,
		limit:     DefaultLimit,
		threshold: VectorScoreThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search ranks the owner's notes by keyword and by semantic similarity,
// fuses both with RRF and truncates to the limit. A keyword failure is an
// error; an unavailable query embedding yields a degraded keyword-only
// response.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	req.Query = strings.TrimSpace(req.Query)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}
	limit := req.Limit
	if limit == 0 {
		limit = e.limit
	}

	start := time.Now()
	var keyword, semantic []memory.NoteSummary
	var semErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := e.store.SearchNotesFTS(gctx, req.Owner, req.Query, req.Filter(), 0)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		keyword = make([]memory.NoteSummary, len(results))
		for i, r := range results {
			keyword[i] = r.Note
		}
		return nil
	})
	g.Go(func() error {
		semantic, semErr = e.semanticRanking(gctx, req)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := FuseRRF(keyword, semantic, e.k)
	resp := &Response{Query: req.Query, Total: len(hits)}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	resp.Hits = hits
	if semErr != nil {
		resp.Degraded = true
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("semantic search unavailable, showing keyword matches only: %v", semErr))
		slog.Warn("search degraded to keyword only", "owner", req.Owner, "error", semErr)
	}

	if e.tracker != nil {
		e.tracker.Track(telemetry.EventSearchQuery, map[string]any{
			"results":     len(resp.Hits),
			"degraded":    resp.Degraded,
			"filtered":    req.Category != "" || req.Type != "",
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	slog.Debug("search completed", "owner", req.Owner, "keyword", len(keyword), "semantic", len(semantic), "hits", len(resp.Hits))
	return resp, nil
}

type scoredNote struct {
	note       memory.NoteSummary
	similarity float32
}

// semanticRanking orders the owner's embedded notes by cosine similarity to
// the query, best first. An error means the ranking could not be produced.
func (e *Engine) semanticRanking(ctx context.Context, req Request) ([]memory.NoteSummary, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	emb := e.embedder.Embed(ctx, req.Query)
	if !emb.OK() {
		return nil, emb.Err
	}
	if e.usage != nil {
		call := usage.Call{Model: e.embedder.Model(), Operation: usage.OpSearchEmbed, InputTokens: emb.InputTokens, Owner: req.Owner, Embedding: true}
		if _, err := e.usage.Record(ctx, call); err != nil {
			slog.Warn("record search usage failed", "error", err)
		}
	}

	candidates, err := e.store.ListNoteEmbeddings(ctx, req.Owner, req.Filter())
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	scored := make([]scoredNote, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		if len(c.Embedding) != len(emb.Vector) {
			skipped++
			continue
		}
		sim := CosineSimilarity(emb.Vector, c.Embedding)
		if e.threshold > 0 && sim < e.threshold {
			continue
		}
		scored = append(scored, scoredNote{note: c.Note, similarity: sim})
	}
	if skipped > 0 {
		slog.Debug("skipped embeddings with mismatched dimensions", "owner", req.Owner, "count", skipped)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].similarity != scored[j].similarity {
			return scored[i].similarity > scored[j].similarity
		}
		return scored[i].note.UpdatedAt.After(scored[j].note.UpdatedAt)
	})
	out := make([]memory.NoteSummary, len(scored))
	for i, s := range scored {
		out[i] = s.note
	}
	return out, nil
}
