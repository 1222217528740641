package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/NoteWing/internal/clarify"
	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/messaging"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/josephgoksu/NoteWing/internal/webhook"
)

type stubSearcher struct {
	calls    atomic.Int32
	degraded bool
}

func (s *stubSearcher) Search(ctx context.Context, req knowledge.Request) (*knowledge.Response, error) {
	s.calls.Add(1)
	return &knowledge.Response{
		Query:    req.Query,
		Hits:     []knowledge.Hit{{Note: memory.NoteSummary{ID: "n-1", Title: "Roadmap"}, Score: 0.03, MatchType: knowledge.MatchBoth}},
		Total:    1,
		Degraded: s.degraded,
	}, nil
}

type stubReplies struct {
	got chan messaging.InboundMessage
}

func (s *stubReplies) HandleReply(ctx context.Context, msg messaging.InboundMessage) (*clarify.Outcome, error) {
	s.got <- msg
	return &clarify.Outcome{Matched: true}, nil
}

type countingWaker struct{ n atomic.Int32 }

func (c *countingWaker) Wake() { c.n.Add(1) }

type published struct {
	owner, event string
	data         any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, owner, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{owner: owner, event: event, data: data})
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

const bridgeSecret = "bridge-secret"

type fixture struct {
	store    *memory.SQLiteStore
	search   *stubSearcher
	replies  *stubReplies
	waker    *countingWaker
	events   *recordingPublisher
	secret   string
	srv      *Server
	handler  http.Handler
	limiter  RateLimiter
	cacheOff bool
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:   store,
		search:  &stubSearcher{},
		replies: &stubReplies{got: make(chan messaging.InboundMessage, 1)},
		waker:   &countingWaker{},
		events:  &recordingPublisher{},
		secret:  bridgeSecret,
	}
	for _, o := range opts {
		o(f)
	}

	deps := Deps{
		Store:     store,
		Search:    f.search,
		Replies:   f.replies,
		Usage:     usage.NewLedger(store),
		Waker:     f.waker,
		Publisher: f.events,
		Limiter:   f.limiter,
	}
	if !f.cacheOff {
		deps.Cache = NewResponseCache(16, time.Minute)
	}
	f.srv, err = New(deps, Options{
		AllowedOrigins:  []string{"https://app.example.com"},
		MaxAttempts:     3,
		FailedThreshold: 0,
		Version:         "test",
		InboundSecret:   f.secret,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.srv.Shutdown(context.Background()) })
	f.handler = f.srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// postInbound sends a chat reply signed with secret; an empty secret sends
// it unsigned.
func (f *fixture) postInbound(t *testing.T, secret string, msg messaging.InboundMessage) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/messages/inbound", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(webhook.SignatureHeader, "sha256="+webhook.Sign([]byte(secret), body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateNote_EnqueuesAndWakes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notes", "u1", NoteRequest{Title: "Kickoff", Content: "Met Jane from Acme", Tags: []string{"sales"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[NoteResponse](t, rec)
	assert.Equal(t, "u1", resp.Note.Owner)
	assert.Equal(t, memory.DefaultNoteType, resp.Note.Type)
	require.NotNil(t, resp.Queue)
	assert.Equal(t, memory.QueuePending, resp.Queue.Status)
	assert.Equal(t, 3, resp.Queue.MaxAttempts)
	assert.Equal(t, int32(1), f.waker.n.Load())

	stored, err := f.store.GetNote(context.Background(), resp.Note.ID)
	require.NoError(t, err)
	assert.Equal(t, "Met Jane from Acme", stored.Content)
}

func TestNoteWrites_PublishEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notes", "u1", NoteRequest{Title: "Kickoff", Content: "Met Jane"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[NoteResponse](t, rec).Note.ID

	rec = f.do(t, http.MethodPut, "/api/notes/"+id, "u1", NoteRequest{Title: "Kickoff", Content: "Met Jane and Bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Rejected writes publish nothing.
	f.do(t, http.MethodPut, "/api/notes/"+id, "u2", NoteRequest{Content: "hijack"})
	f.do(t, http.MethodPost, "/api/notes", "u1", NoteRequest{Title: "no content"})

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, webhook.EventNoteCreated, events[0].event)
	assert.Equal(t, webhook.EventNoteUpdated, events[1].event)
	for _, e := range events {
		assert.Equal(t, "u1", e.owner)
		note, ok := e.data.(*memory.Note)
		require.True(t, ok, "payload is %T", e.data)
		assert.Equal(t, id, note.ID)
	}
	assert.Equal(t, "Met Jane and Bob", events[1].data.(*memory.Note).Content)
}

func TestCreateNote_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		owner string
		body  any
		want  int
	}{
		{"missing owner", "", NoteRequest{Content: "x"}, http.StatusUnauthorized},
		{"missing content", "u1", NoteRequest{Title: "only a title"}, http.StatusBadRequest},
		{"unknown field", "u1", map[string]string{"content": "x", "colour": "red"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/notes", tt.owner, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Zero(t, f.waker.n.Load())
}

func TestUpdateNote_OwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note := &memory.Note{Owner: "u1", Title: "Draft", Content: "v1"}
	require.NoError(t, f.store.CreateNote(ctx, note))

	rec := f.do(t, http.MethodPut, "/api/notes/"+note.ID, "u2", NoteRequest{Content: "hijack"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/notes/"+note.ID, "u1", NoteRequest{Title: "Draft", Content: "v2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := f.store.GetNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Content)

	entry, err := f.store.GetQueueEntry(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.QueuePending, entry.Status)

	rec = f.do(t, http.MethodPut, "/api/notes/n-missing", "u1", NoteRequest{Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetNote(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/notes", "u1", NoteRequest{Title: "Sync", Content: "Talked to Jane"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[NoteResponse](t, rec).Note.ID

	rec = f.do(t, http.MethodGet, "/api/notes/"+id, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[NoteResponse](t, rec)
	assert.Equal(t, "Sync", resp.Note.Title)
	require.NotNil(t, resp.Queue)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/notes/"+id, "u2", nil).Code)

	rec = f.do(t, http.MethodGet, "/api/notes/"+id+"/clarifications", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]memory.Clarification](t, rec))
}

func TestDeleteNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.do(t, http.MethodPost, "/api/notes", "u1", NoteRequest{Title: "Sync", Content: "Talked to Jane"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[NoteResponse](t, rec).Note.ID

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/notes/"+id, "u2", nil).Code)

	rec = f.do(t, http.MethodDelete, "/api/notes/"+id, "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	_, err := f.store.GetNote(ctx, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = f.store.GetQueueEntry(ctx, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/notes/"+id, "u1", nil).Code)

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, webhook.EventNoteDeleted, events[1].event)
	assert.Equal(t, map[string]string{"noteId": id}, events[1].data)
}

func TestGetEntity_OwnerScoped(t *testing.T) {
	f := newFixture(t)
	entity := &memory.Entity{Owner: "u1", Kind: memory.EntityPerson, Name: "Jane Doe", NormalizedName: "jane doe"}
	require.NoError(t, f.store.CreateEntity(context.Background(), entity))

	rec := f.do(t, http.MethodGet, "/api/entities/"+entity.ID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[memory.Entity](t, rec)
	assert.Equal(t, "Jane Doe", got.Name)
	assert.Equal(t, memory.EntityPerson, got.Kind)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/entities/"+entity.ID, "u2", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/entities/p-missing", "u1", nil).Code)
}

func TestSearch_CachesPerOwner(t *testing.T) {
	f := newFixture(t)
	body := SearchRequest{Query: "Roadmap"}

	rec := f.do(t, http.MethodPost, "/api/search", "u1", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Roadmap", decode[knowledge.Response](t, rec).Query)

	rec = f.do(t, http.MethodPost, "/api/search", "u1", SearchRequest{Query: "roadmap"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(1), f.search.calls.Load())

	// Other owners never share entries.
	f.do(t, http.MethodPost, "/api/search", "u2", body)
	assert.Equal(t, int32(2), f.search.calls.Load())

	// A write drops the owner's cached searches.
	f.do(t, http.MethodPost, "/api/notes", "u1", NoteRequest{Content: "new roadmap"})
	f.do(t, http.MethodPost, "/api/search", "u1", body)
	assert.Equal(t, int32(3), f.search.calls.Load())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/search", "u1", SearchRequest{}).Code)
}

func TestSearch_DegradedIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.search.degraded = true

	f.do(t, http.MethodPost, "/api/search", "u1", SearchRequest{Query: "roadmap"})
	rec := f.do(t, http.MethodPost, "/api/search", "u1", SearchRequest{Query: "roadmap"})
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(2), f.search.calls.Load())
}

func TestInbound_AcceptedAndApplied(t *testing.T) {
	f := newFixture(t)

	rec := f.postInbound(t, bridgeSecret, messaging.InboundMessage{Text: "Jane Doe", ReplyTo: "m-1", Sender: "u1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case msg := <-f.replies.got:
		assert.Equal(t, "Jane Doe", msg.Text)
		assert.Equal(t, "m-1", msg.ReplyTo)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not handled")
	}
	assert.Eventually(t, func() bool { return f.waker.n.Load() == 1 }, time.Second, 10*time.Millisecond)

	rec = f.postInbound(t, bridgeSecret, messaging.InboundMessage{Text: "no sender"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInbound_RejectsUnsignedReplies(t *testing.T) {
	f := newFixture(t)
	msg := messaging.InboundMessage{Text: "Jane Doe", ReplyTo: "m-1", Sender: "u1"}

	rec := f.postInbound(t, "", msg)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.postInbound(t, "guessed-secret", msg)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid signature does not cover a body rewritten in transit.
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/messages/inbound",
		bytes.NewReader(bytes.Replace(body, []byte(`"u1"`), []byte(`"u2"`), 1)))
	req.Header.Set(webhook.SignatureHeader, "sha256="+webhook.Sign([]byte(bridgeSecret), body))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	select {
	case got := <-f.replies.got:
		t.Fatalf("rejected reply was applied: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInbound_DisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.secret = "" })

	rec := f.postInbound(t, bridgeSecret, messaging.InboundMessage{Text: "Jane Doe", Sender: "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, f.replies.got)
}

func TestQueueHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note := &memory.Note{Owner: "u1", Title: "A", Content: "a"}
	require.NoError(t, f.store.CreateNote(ctx, note))
	_, err := f.store.Enqueue(ctx, note.ID, note.Owner, 0, 1)
	require.NoError(t, err)
	entry, err := f.store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	_, err = f.store.Fail(ctx, entry, "provider down", 0)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/queue/health", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[QueueHealthResponse](t, rec)
	assert.Equal(t, 1, resp.Queue.Counts[memory.QueueFailed])
	assert.True(t, resp.Queue.Unhealthy)
	require.NotNil(t, resp.Embeddings)
	assert.Equal(t, 1, resp.Embeddings.TotalNotes)
	assert.Equal(t, 0, resp.Embeddings.NotesWithEmbeddings)

	// Another owner sees neither the failure nor the notes.
	rec = f.do(t, http.MethodGet, "/api/queue/health", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[QueueHealthResponse](t, rec)
	assert.Zero(t, resp.Queue.Counts[memory.QueueFailed])
	assert.False(t, resp.Queue.Unhealthy)
	assert.Zero(t, resp.Embeddings.TotalNotes)
}

func TestUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note := &memory.Note{Owner: "u1", Title: "A", Content: "a"}
	require.NoError(t, f.store.CreateNote(ctx, note))
	ledger := usage.NewLedger(f.store)
	_, err := ledger.Record(ctx, usage.Call{Model: "gpt-4o-mini", Operation: usage.OpExtract, InputTokens: 100, OutputTokens: 20, NoteID: note.ID, Owner: "u1"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/usage?period=week&days=7", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[UsageResponse](t, rec)
	assert.Equal(t, usage.PeriodWeek, resp.Summary.Period)
	assert.Equal(t, 1, resp.Summary.Totals.Calls)
	assert.Len(t, resp.Daily, 1)

	rec = f.do(t, http.MethodGet, "/api/usage/notes/"+note.ID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	totals := decode[UsageResponse](t, rec).Summary.Totals
	assert.Equal(t, 100, totals.InputTokens)
	assert.Equal(t, 20, totals.OutputTokens)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/usage?period=year", "u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/usage/notes/"+note.ID, "u2", nil).Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.limiter = NewOwnerLimiter(2, 16, time.Minute) })

	for range 2 {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/queue/health", "u1", nil).Code)
	}
	rec := f.do(t, http.MethodGet, "/api/queue/health", "u1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/queue/health", "u2", nil).Code)
}

func TestOwnerLimiter_WindowExpires(t *testing.T) {
	l := NewOwnerLimiter(1, 16, 50*time.Millisecond)
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.Eventually(t, func() bool { return l.Allow("u1") }, time.Second, 10*time.Millisecond)
}

func TestOwnerLimiter_Concurrent(t *testing.T) {
	l := NewOwnerLimiter(50, 16, time.Minute)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestResponseCache_InvalidateOwner(t *testing.T) {
	c := NewResponseCache(16, time.Minute)
	k1 := searchCacheKey(knowledge.Request{Owner: "u1", Query: "a"})
	k1b := searchCacheKey(knowledge.Request{Owner: "u1", Query: "b", Limit: 5})
	k11 := searchCacheKey(knowledge.Request{Owner: "u11", Query: "a"})
	for _, k := range []string{k1, k1b, k11} {
		c.Add(k, &knowledge.Response{})
	}

	c.InvalidateOwner("u1")
	_, ok := c.Get(k1)
	assert.False(t, ok)
	_, ok = c.Get(k1b)
	assert.False(t, ok)
	_, ok = c.Get(k11)
	assert.True(t, ok, "owner prefixes must not collide")
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/search", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), OwnerHeader)

	req = httptest.NewRequest(http.MethodOptions, "/api/search", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
