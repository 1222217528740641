package clarify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/NoteWing/internal/enrich"
	"github.com/josephgoksu/NoteWing/internal/entity"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/messaging"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendQuestion(ctx context.Context, owner, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, text)
	return fmt.Sprintf("m-%d", len(f.sent)), nil
}

type fakeEmbedder struct {
	mu     sync.Mutex
	err    error
	inputs []string
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, texts...)
	if f.err != nil {
		return nil, f.err
	}
	return [][]float64{{0.1, 0.2}}, nil
}

type fakeChatModel struct {
	mu       sync.Mutex
	response string
	calls    int
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &schema.Message{Role: schema.Assistant, Content: f.response}, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeChatModel) set(response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.response = response
}

func (f *fakeChatModel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store    *memory.SQLiteStore
	sender   *fakeSender
	embedder *fakeEmbedder
	chat     *fakeChatModel
	pipeline *enrich.Pipeline
	workflow *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		sender:   &fakeSender{},
		embedder: &fakeEmbedder{},
		chat:     &fakeChatModel{response: `{"people":["Jane"],"question":"Which Jane do you mean?"}`},
	}
	f.pipeline = enrich.NewPipeline(store,
		enrich.NewEmbeddingClient(f.embedder, "text-embedding-3-small", time.Second, 0),
		enrich.NewEntityExtractor(f.chat, "gpt-4o-mini", time.Second, 0),
		entity.NewLinker(store))
	f.workflow = NewWorkflow(store, f.sender, f.pipeline, nil)
	f.pipeline.SetClarifier(f.workflow)
	return f
}

func (f *fixture) note(t *testing.T, owner, title, content string) *memory.Note {
	t.Helper()
	n := &memory.Note{Owner: owner, Title: title, Content: content}
	require.NoError(t, f.store.CreateNote(context.Background(), n))
	return n
}

func TestOpen_OnePendingPerNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.note(t, "u1", "Sync", "Talked to Jane")

	c, err := f.workflow.Open(ctx, n, "Which Jane?")
	require.NoError(t, err)
	assert.Equal(t, "m-1", c.MessageID)
	assert.Equal(t, memory.ClarificationPending, c.Status)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, `About your note "Sync": Which Jane?`, f.sender.sent[0])

	_, err = f.workflow.Open(ctx, n, "Which Acme?")
	assert.ErrorIs(t, err, memory.ErrClarificationPending)
	assert.Len(t, f.sender.sent, 1)
}

func TestOpen_SendFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("bridge down")
	n := f.note(t, "u1", "Sync", "Talked to Jane")

	_, err := f.workflow.Open(context.Background(), n, "Which Jane?")
	assert.ErrorContains(t, err, "send question")
	_, err = f.store.GetPendingClarification(context.Background(), n.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestMatch_Precedence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.note(t, "u1", "Older", "x")
	newer := f.note(t, "u1", "Newer", "y")

	cOld, err := f.workflow.Open(ctx, older, "About older?")
	require.NoError(t, err)
	f.workflow.now = func() time.Time { return time.Now().Add(time.Minute) }
	cNew, err := f.workflow.Open(ctx, newer, "About newer?")
	require.NoError(t, err)

	tests := []struct {
		name       string
		msg        messaging.InboundMessage
		wantID     string
		wantMethod MatchMethod
		wantErr    error
	}{
		{"reply id beats recency", messaging.InboundMessage{Text: "a", ReplyTo: cOld.MessageID, Sender: "u1"}, cOld.ID, MatchReplyTo, nil},
		{"no reply id falls back to latest", messaging.InboundMessage{Text: "a", Sender: "u1"}, cNew.ID, MatchLatestPending, nil},
		{"unknown reply id falls back", messaging.InboundMessage{Text: "a", ReplyTo: "m-404", Sender: "u1"}, cNew.ID, MatchLatestPending, nil},
		{"foreign reply id never matches", messaging.InboundMessage{Text: "a", ReplyTo: cOld.MessageID, Sender: "u2"}, "", "", ErrNoMatch},
		{"no pending for sender", messaging.InboundMessage{Text: "a", Sender: "u3"}, "", "", ErrNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, method, err := f.workflow.Match(ctx, tt.msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, c.ID)
			assert.Equal(t, tt.wantMethod, method)
		})
	}
}

func TestHandleReply_AppliesAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.note(t, "u1", "Sync", "Talked to Jane about the launch")

	res, err := f.pipeline.Enrich(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Clarification)
	messageID := res.Clarification.MessageID

	f.chat.set(`{"people":["Jane Doe"],"tags":["launch"]}`)
	out, err := f.workflow.HandleReply(ctx, messaging.InboundMessage{Text: " Jane Doe from finance ", ReplyTo: messageID, Sender: "u1"})
	require.NoError(t, err)
	assert.True(t, out.Matched)
	assert.Equal(t, MatchReplyTo, out.Method)
	assert.False(t, out.Duplicate)
	assert.Equal(t, memory.ClarificationApplied, out.Clarification.Status)
	assert.Equal(t, "Jane Doe from finance", out.Clarification.Answer)
	require.NotNil(t, out.Result)
	assert.False(t, out.Result.Degraded())

	links, err := f.store.LinkedEntities(ctx, n.ID)
	require.NoError(t, err)
	var names []string
	for _, e := range links[memory.EntityPerson] {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"Jane", "Jane Doe"}, names)

	note, err := f.store.GetNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Contains(t, note.Tags, "launch")
	assert.Contains(t, f.embedder.inputs[len(f.embedder.inputs)-1], "Clarification: Jane Doe from finance")

	// Redelivery of the same reply is a no-op.
	calls := f.chat.count()
	out, err = f.workflow.HandleReply(ctx, messaging.InboundMessage{Text: "Jane Doe from finance", ReplyTo: messageID, Sender: "u1"})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, calls, f.chat.count())

	// Later enrichment keeps the applied answer as context.
	_, err = f.pipeline.Enrich(ctx, n.ID)
	require.NoError(t, err)
	assert.Contains(t, f.embedder.inputs[len(f.embedder.inputs)-1], "Clarification: Jane Doe from finance")
}

func TestHandleReply_Unmatched(t *testing.T) {
	f := newFixture(t)
	out, err := f.workflow.HandleReply(context.Background(), messaging.InboundMessage{Text: "hello?", Sender: "u1"})
	require.NoError(t, err)
	assert.False(t, out.Matched)

	_, err = f.workflow.HandleReply(context.Background(), messaging.InboundMessage{Text: "  ", Sender: "u1"})
	assert.ErrorContains(t, err, "invalid inbound message")
}

func TestHandleReply_DegradedStaysAnswered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.note(t, "u1", "Sync", "Talked to Jane")
	c, err := f.workflow.Open(ctx, n, "Which Jane?")
	require.NoError(t, err)

	f.chat.set(`{"people":["Jane Doe"]}`)
	f.embedder.err = context.DeadlineExceeded
	msg := messaging.InboundMessage{Text: "Jane Doe", ReplyTo: c.MessageID, Sender: "u1"}

	_, err = f.workflow.HandleReply(ctx, msg)
	assert.ErrorIs(t, err, ErrDegraded)
	got, _ := f.store.GetClarification(ctx, c.ID)
	assert.Equal(t, memory.ClarificationAnswered, got.Status)

	// The provider recovers and the reply is delivered again.
	f.embedder.err = nil
	out, err := f.workflow.HandleReply(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, memory.ClarificationApplied, out.Clarification.Status)
}

func TestApply_RequiresAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.note(t, "u1", "Sync", "Talked to Jane")
	c, err := f.workflow.Open(ctx, n, "Which Jane?")
	require.NoError(t, err)

	_, err = f.workflow.Apply(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotAnswered)

	_, err = f.workflow.Apply(ctx, "q-missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
