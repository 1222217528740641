package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/usage"
)

func TestBackfiller_EmbedsMissingNotes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createNote(t, store, "Roadmap", "Q3 priorities")
	b := createNote(t, store, "Sync", "Talked to Jane")
	done := createNote(t, store, "Done", "already embedded")
	require.NoError(t, store.UpdateNoteEmbedding(ctx, done.ID, []float32{1, 0}))
	other := &memory.Note{Owner: "u2", Title: "Other", Content: "someone else"}
	require.NoError(t, store.CreateNote(ctx, other))

	emb := &fakeEmbedder{vectors: [][]float64{{0.1, 0.2}}}
	bf := NewBackfiller(store, NewEmbeddingClient(emb, "text-embedding-3-small", time.Second, 0), usage.NewLedger(store))

	report, err := bf.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Embedded)
	assert.Zero(t, report.Failed)
	assert.Len(t, emb.inputs, 2)

	missing, err := store.ListNotesMissingEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, missing)
	missing, err = store.ListNotesMissingEmbedding(ctx, "")
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, other.ID, missing[0].ID)

	totals, err := store.UsageBy(ctx, memory.UsageFilter{Owner: "u1"}, "operation")
	require.NoError(t, err)
	ops := map[string]int{}
	for _, row := range totals {
		ops[row.Key] = row.Calls
	}
	assert.Equal(t, 2, ops[usage.OpBackfillEmbed])

	for _, id := range []string{a.ID, b.ID} {
		n, err := store.GetNote(ctx, id)
		require.NoError(t, err)
		assert.Len(t, n.Embedding, 2)
		require.NotNil(t, n.EmbeddedAt, "backfilled note %s has no embedded marker", id)
		assert.WithinDuration(t, time.Now(), *n.EmbeddedAt, time.Minute)
		// Direct backfill skips extraction, so the note is not marked enriched.
		assert.Nil(t, n.EnrichedAt)
	}
}

func TestBackfiller_FailuresAreCounted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createNote(t, store, "Roadmap", "Q3 priorities")
	createNote(t, store, "Sync", "Talked to Jane")

	emb := &fakeEmbedder{err: errors.New("rate limited")}
	report, err := NewBackfiller(store, NewEmbeddingClient(emb, "m", time.Second, 0), nil).Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Zero(t, report.Embedded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0], "rate limited")
}

func TestBackfiller_StopsOnCancel(t *testing.T) {
	store := setupStore(t)
	createNote(t, store, "Roadmap", "Q3 priorities")

	ctx, cancel := context.WithCancel(context.Background())
	report, err := NewBackfiller(store, NewEmbeddingClient(&fakeEmbedder{}, "m", time.Second, 0), nil).Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	cancel()
	_, err = NewBackfiller(store, NewEmbeddingClient(&fakeEmbedder{}, "m", time.Second, 0), nil).Run(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}
