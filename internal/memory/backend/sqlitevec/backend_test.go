package sqlitevec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/memory/backend"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

func newTestBackend(t *testing.T, dim int) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "vec.db"), Dimension: dim})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func vec(dim int, values ...float32) []float32 {
	out := make([]float32, dim)
	copy(out, values)
	return out
}

func TestIndexAndSearch(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Index(ctx, []*models.MemoryEntry{
		{ID: "a", Scope: models.ScopeRoom, ScopeID: "1", Content: "the deploy pipeline", Embedding: vec(4, 1, 0, 0, 0)},
		{ID: "b", Scope: models.ScopeRoom, ScopeID: "1", Content: "lunch preferences", Embedding: vec(4, 0, 1, 0, 0)},
	}))

	results, err := b.Search(ctx, vec(4, 1, 0.1, 0, 0), &backend.SearchOptions{
		Scope: models.ScopeRoom, ScopeID: "1", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].Entry.ID, "closest vector ranks first")
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchScopeIsolation(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Index(ctx, []*models.MemoryEntry{
		{ID: "r1", Scope: models.ScopeRoom, ScopeID: "1", Content: "room one fact", Embedding: vec(4, 1, 0, 0, 0)},
		{ID: "r2", Scope: models.ScopeRoom, ScopeID: "2", Content: "room two fact", Embedding: vec(4, 1, 0, 0, 0)},
	}))

	results, err := b.Search(ctx, vec(4, 1, 0, 0, 0), &backend.SearchOptions{
		Scope: models.ScopeRoom, ScopeID: "1",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "r1", results[0].Entry.ID)
}

func TestSearchThreshold(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Index(ctx, []*models.MemoryEntry{
		{ID: "close", Scope: models.ScopeRoom, ScopeID: "1", Content: "x", Embedding: vec(4, 1, 0, 0, 0)},
		{ID: "far", Scope: models.ScopeRoom, ScopeID: "1", Content: "y", Embedding: vec(4, 0, 0, 0, 1)},
	}))

	results, err := b.Search(ctx, vec(4, 1, 0, 0, 0), &backend.SearchOptions{
		Scope: models.ScopeRoom, ScopeID: "1", Threshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "close", results[0].Entry.ID)
}

func TestIndexRejectsWrongDimension(t *testing.T) {
	b := newTestBackend(t, 4)
	err := b.Index(context.Background(), []*models.MemoryEntry{
		{ID: "bad", Content: "x", Embedding: []float32{1, 2}},
	})
	require.Error(t, err)
}

func TestIndexUpsertsAndAssignsIDs(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()

	e := &models.MemoryEntry{Scope: models.ScopeRoom, ScopeID: "1", Content: "v1", Embedding: vec(4, 1, 0, 0, 0)}
	require.NoError(t, b.Index(ctx, []*models.MemoryEntry{e}))
	require.NotEmpty(t, e.ID)

	e.Content = "v2"
	require.NoError(t, b.Index(ctx, []*models.MemoryEntry{e}))

	count, err := b.Count(ctx, models.ScopeRoom, "1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestDeleteAndCount(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Index(ctx, []*models.MemoryEntry{
		{ID: "a", Scope: models.ScopeRoom, ScopeID: "1", Content: "x", Embedding: vec(4, 1, 0, 0, 0)},
		{ID: "b", Scope: models.ScopeRoom, ScopeID: "1", Content: "y", Embedding: vec(4, 0, 1, 0, 0)},
	}))

	require.NoError(t, b.Delete(ctx, []string{"a", "missing"}))

	count, err := b.Count(ctx, models.ScopeRoom, "1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out := decodeEmbedding(encodeEmbedding(in))
	require.Equal(t, in, out)

	require.Nil(t, decodeEmbedding(nil))
	require.Nil(t, decodeEmbedding([]byte{1, 2, 3}))
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	require.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	require.Zero(t, cosineSimilarity(nil, nil))
}
