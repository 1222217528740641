package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/NoteWing/internal/entity"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/josephgoksu/NoteWing/internal/webhook"
)

// fakeEmbedder implements embedding.Embedder.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors [][]float64
	err     error
	inputs  []string
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, texts...)
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors, nil
}

// fakeChatModel implements model.BaseChatModel.
type fakeChatModel struct {
	mu       sync.Mutex
	response string
	err      error
	usage    *schema.TokenUsage
	calls    [][]*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, input)
	if f.err != nil {
		return nil, f.err
	}
	msg := &schema.Message{Role: schema.Assistant, Content: f.response}
	if f.usage != nil {
		msg.ResponseMeta = &schema.ResponseMeta{Usage: f.usage}
	}
	return msg, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeChatModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	msgs := f.calls[len(f.calls)-1]
	return msgs[len(msgs)-1].Content
}

type fakeClarifier struct {
	mu        sync.Mutex
	questions []string
	err       error
}

func (f *fakeClarifier) Open(ctx context.Context, note *memory.Note, question string) (*memory.Clarification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.questions = append(f.questions, question)
	return &memory.Clarification{ID: "c-1", NoteID: note.ID, Owner: note.Owner, Question: question, Status: memory.ClarificationPending}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(ctx context.Context, owner, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

const acmeExtraction = `{"people":["Jane Doe"],"companies":["Acme Corp"],"projects":["Apollo"],"properties":["budget: 40k"],"tags":["sales"],"question":""}`

func setupStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	store, err := memory.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createNote(t *testing.T, store *memory.SQLiteStore, title, content string) *memory.Note {
	t.Helper()
	n := &memory.Note{Owner: "u1", Title: title, Content: content}
	require.NoError(t, store.CreateNote(context.Background(), n))
	return n
}

type pipelineFixture struct {
	store     *memory.SQLiteStore
	embedder  *fakeEmbedder
	chat      *fakeChatModel
	clarifier *fakeClarifier
	publisher *recordingPublisher
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:     setupStore(t),
		embedder:  &fakeEmbedder{vectors: [][]float64{{0.1, 0.2, 0.3}}},
		chat:      &fakeChatModel{response: acmeExtraction, usage: &schema.TokenUsage{PromptTokens: 120, CompletionTokens: 30}},
		clarifier: &fakeClarifier{},
		publisher: &recordingPublisher{},
	}
	f.pipeline = NewPipeline(f.store,
		NewEmbeddingClient(f.embedder, "text-embedding-3-small", time.Second, 0),
		NewEntityExtractor(f.chat, "gpt-4o-mini", time.Second, 0),
		entity.NewLinker(f.store),
		WithUsage(usage.NewLedger(f.store)),
		WithPublisher(f.publisher),
	)
	f.pipeline.SetClarifier(f.clarifier)
	return f
}

func TestBuildEmbeddingText(t *testing.T) {
	assert.Equal(t, "Title\n\nBody", BuildEmbeddingText("Title", "Body", nil))
	assert.Equal(t, "Title\n\nBody\n\nClarification: Jane from finance",
		BuildEmbeddingText("Title", "Body", []string{" ", "Jane from finance"}))
}

func TestEmbeddingClient_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("success collapses newlines and truncates on runes", func(t *testing.T) {
		fe := &fakeEmbedder{vectors: [][]float64{{0.5, -0.25}}}
		c := NewEmbeddingClient(fe, "m", time.Second, 5)

		res := c.Embed(ctx, "é\nécrit long")
		require.True(t, res.OK())
		assert.Equal(t, []float32{0.5, -0.25}, res.Vector)
		require.Len(t, fe.inputs, 1)
		assert.Equal(t, "é écr", fe.inputs[0])
		assert.Positive(t, res.InputTokens)
	})

	t.Run("provider error is unavailable", func(t *testing.T) {
		c := NewEmbeddingClient(&fakeEmbedder{err: errors.New("boom")}, "m", time.Second, 0)
		res := c.Embed(ctx, "text")
		assert.Equal(t, StatusUnavailable, res.Status)
		assert.Nil(t, res.Vector)
		assert.ErrorContains(t, res.Err, "boom")
	})

	t.Run("empty response is unavailable", func(t *testing.T) {
		c := NewEmbeddingClient(&fakeEmbedder{vectors: [][]float64{}}, "m", time.Second, 0)
		assert.Equal(t, StatusUnavailable, c.Embed(ctx, "text").Status)
	})

	t.Run("no provider is unavailable", func(t *testing.T) {
		assert.Equal(t, StatusUnavailable, NewEmbeddingClient(nil, "m", 0, 0).Embed(ctx, "text").Status)
		var nilClient *EmbeddingClient
		assert.Equal(t, StatusUnavailable, nilClient.Embed(ctx, "text").Status)
	})
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  string
		check    func(t *testing.T, e *Extraction)
	}{
		{
			name:     "plain",
			response: acmeExtraction,
			check: func(t *testing.T, e *Extraction) {
				assert.Equal(t, []string{"Jane Doe"}, e.People)
				assert.Equal(t, []string{"Acme Corp"}, e.Companies)
				assert.False(t, e.Ambiguous())
				assert.Equal(t, 3, e.Mentions().Count())
			},
		},
		{
			name:     "fenced with nulls and blanks",
			response: "```json\n{\"people\": null, \"companies\": [\" Acme \", \"\", \"Acme\"], \"question\": \"Which Jane?\"}\n```",
			check: func(t *testing.T, e *Extraction) {
				assert.Empty(t, e.People)
				assert.Equal(t, []string{"Acme"}, e.Companies)
				assert.True(t, e.Ambiguous())
			},
		},
		{name: "field of wrong type", response: `{"people": "Jane"}`, wantErr: `field "people"`},
		{name: "non-string element", response: `{"tags": ["a", 3]}`, wantErr: `field "tags"[1]`},
		{name: "question of wrong type", response: `{"question": true}`, wantErr: `field "question"`},
		{name: "fails validation", response: `{"tags": ["` + strings.Join(manyTags(21), `","`) + `"]}`, wantErr: "validate extraction"},
		{name: "not json", response: "I could not find anything.", wantErr: "parse extraction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraction(tt.response)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func manyTags(n int) []string {
	tags := make([]string, n)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag%d", i)
	}
	return tags
}

func TestEntityExtractor_Extract(t *testing.T) {
	ctx := context.Background()

	t.Run("ok with reported usage", func(t *testing.T) {
		chat := &fakeChatModel{response: acmeExtraction, usage: &schema.TokenUsage{PromptTokens: 100, CompletionTokens: 20}}
		x := NewEntityExtractor(chat, "gpt-4o-mini", time.Second, 0)

		res := x.Extract(ctx, ExtractionInput{Title: "Kickoff", Content: "Met Jane", Context: []string{"Jane Doe from finance"}, ExistingTags: []string{"sales"}})
		require.True(t, res.OK())
		assert.Equal(t, 100, res.InputTokens)
		assert.Equal(t, 20, res.OutputTokens)
		prompt := chat.lastPrompt()
		assert.Contains(t, prompt, "Jane Doe from finance")
		assert.Contains(t, prompt, "EXISTING TAGS: sales")
	})

	t.Run("provider error is unavailable", func(t *testing.T) {
		x := NewEntityExtractor(&fakeChatModel{err: errors.New("rate limited")}, "m", time.Second, 0)
		res := x.Extract(ctx, ExtractionInput{Title: "t", Content: "c"})
		assert.Equal(t, StatusUnavailable, res.Status)
		assert.Nil(t, res.Extraction)
	})

	t.Run("malformed output is a parse failure with estimated usage", func(t *testing.T) {
		x := NewEntityExtractor(&fakeChatModel{response: "no idea"}, "m", time.Second, 0)
		res := x.Extract(ctx, ExtractionInput{Title: "t", Content: "c"})
		assert.Equal(t, StatusParseFailure, res.Status)
		assert.Positive(t, res.InputTokens)
		assert.Equal(t, "no idea", res.Raw)
	})

	t.Run("no model is unavailable", func(t *testing.T) {
		assert.Equal(t, StatusUnavailable, NewEntityExtractor(nil, "m", 0, 0).Extract(ctx, ExtractionInput{}).Status)
	})
}

func TestPipeline_Enrich(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	note := createNote(t, f.store, "Kickoff", "Met Jane from Acme about Apollo")

	res, err := f.pipeline.Enrich(ctx, note.ID)
	require.NoError(t, err)
	assert.False(t, res.Degraded())
	assert.Equal(t, 3, res.NewLinks)
	assert.Equal(t, 3, res.Links.Count())
	assert.Equal(t, []string{"sales"}, res.Tags)
	assert.Equal(t, []string{"budget: 40k"}, res.Properties)
	assert.Nil(t, res.Clarification)

	stored, err := f.store.GetNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Embedding, 3)
	assert.NotNil(t, stored.EnrichedAt)
	assert.Equal(t, []string{"Kickoff  Met Jane from Acme about Apollo"}, f.embedder.inputs)

	totals, err := f.store.UsageTotals(ctx, memory.UsageFilter{NoteID: note.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Calls)
	assert.Equal(t, 1, f.publisher.count(webhook.EventNoteEnriched))
	assert.Equal(t, 3, f.publisher.count(webhook.EventEntityCreated))
	assert.Equal(t, 3, f.publisher.count(webhook.EventEntityLinked))

	// A second pass converges: no new links or entities.
	again, err := f.pipeline.Enrich(ctx, note.ID)
	require.NoError(t, err)
	assert.Zero(t, again.NewLinks)
	assert.Equal(t, 3, again.Links.Count())
	assert.Equal(t, 3, f.publisher.count(webhook.EventEntityCreated))
	assert.Equal(t, 3, f.publisher.count(webhook.EventEntityLinked))
}

func TestPipeline_LinkingExistingEntitiesPublishesLinks(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	first := createNote(t, f.store, "Kickoff", "Met Jane from Acme about Apollo")
	_, err := f.pipeline.Enrich(ctx, first.ID)
	require.NoError(t, err)

	second := createNote(t, f.store, "Follow-up", "Jane sent the Acme numbers for Apollo")
	res, err := f.pipeline.Enrich(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NewLinks)

	assert.Equal(t, 3, f.publisher.count(webhook.EventEntityCreated), "entities are reused")
	assert.Equal(t, 6, f.publisher.count(webhook.EventEntityLinked))
}

func TestPipeline_DegradedEmbeddingKeepsExtraction(t *testing.T) {
	f := newPipelineFixture(t)
	f.embedder.err = context.DeadlineExceeded
	ctx := context.Background()
	note := createNote(t, f.store, "Kickoff", "Met Jane")

	res, err := f.pipeline.Enrich(ctx, note.ID)
	require.NoError(t, err)
	assert.True(t, res.Degraded())
	assert.Equal(t, StatusUnavailable, res.Embedding)
	assert.Equal(t, StatusOK, res.Extraction)
	assert.Equal(t, 3, res.Links.Count())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "embedding unavailable")

	stored, _ := f.store.GetNote(ctx, note.ID)
	assert.Nil(t, stored.EnrichedAt)
	assert.False(t, stored.HasEmbedding())
	assert.Zero(t, f.publisher.count(webhook.EventNoteEnriched))
}

func TestPipeline_DegradedExtractionKeepsEmbedding(t *testing.T) {
	f := newPipelineFixture(t)
	f.chat.response = "not json at all"
	ctx := context.Background()
	note := createNote(t, f.store, "Kickoff", "Met Jane")

	res, err := f.pipeline.Enrich(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Embedding)
	assert.Equal(t, StatusParseFailure, res.Extraction)
	assert.Zero(t, res.Links.Count())

	stored, _ := f.store.GetNote(ctx, note.ID)
	assert.True(t, stored.HasEmbedding())

	// The failed call still consumed tokens.
	totals, _ := f.store.UsageTotals(ctx, memory.UsageFilter{NoteID: note.ID})
	assert.Equal(t, 2, totals.Calls)
}

func TestPipeline_AmbiguousOpensClarificationOnce(t *testing.T) {
	f := newPipelineFixture(t)
	f.chat.response = `{"people":["Jane"],"question":"Which Jane do you mean?"}`
	ctx := context.Background()
	note := createNote(t, f.store, "Sync", "Talked to Jane")

	res, err := f.pipeline.Enrich(ctx, note.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Clarification)
	assert.Equal(t, []string{"Which Jane do you mean?"}, f.clarifier.questions)

	res, err = f.pipeline.Reprocess(ctx, note.ID, "Jane Doe from finance")
	require.NoError(t, err)
	assert.Nil(t, res.Clarification)
	assert.Len(t, f.clarifier.questions, 1)
	assert.Contains(t, f.chat.lastPrompt(), "Jane Doe from finance")
	assert.Contains(t, f.embedder.inputs[len(f.embedder.inputs)-1], "Clarification: Jane Doe from finance")

	totals, err := f.store.UsageBy(ctx, memory.UsageFilter{NoteID: note.ID}, "operation")
	require.NoError(t, err)
	ops := map[string]int{}
	for _, b := range totals {
		ops[b.Key] = b.Calls
	}
	assert.Equal(t, 1, ops[usage.OpReextract])
	assert.Equal(t, 1, ops[usage.OpClarifyEmbed])
}

func TestPipeline_PendingClarificationIsNotAnError(t *testing.T) {
	f := newPipelineFixture(t)
	f.chat.response = `{"question":"Which Jane?"}`
	f.clarifier.err = memory.ErrClarificationPending
	note := createNote(t, f.store, "Sync", "Talked to Jane")

	res, err := f.pipeline.Enrich(context.Background(), note.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Clarification)
	assert.Empty(t, res.Warnings)
}

func TestPipeline_MissingNote(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.pipeline.Enrich(context.Background(), "n-missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
