package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHNSWStore_EnsureCollectionCreatesLazily(t *testing.T) {
	// Given a fresh store with no collections
	s, err := NewHNSWStore()
	require.NoError(t, err)

	// When a collection is searched before it exists
	_, err = s.Search(context.Background(), CollectionMemories, []float32{1, 0}, 5, nil)

	// Then it reports not found rather than panicking
	require.Error(t, err)
	require.IsType(t, ErrCollectionNotFound{}, err)
}

func TestHNSWStore_AddAndSearchReturnsNearestFirst(t *testing.T) {
	// Given a collection with three vectors
	s, err := NewHNSWStore()
	require.NoError(t, err)
	ctx := context.Background()
	cfg := DefaultVectorStoreConfig(2)
	require.NoError(t, s.EnsureCollection(ctx, CollectionMemories, cfg))

	err = s.Add(ctx, CollectionMemories,
		[]string{"a", "b", "c"},
		[][]float32{{1, 0}, {0, 1}, {0.9, 0.1}},
		nil)
	require.NoError(t, err)

	// When searching near vector "a"
	results, err := s.Search(ctx, CollectionMemories, []float32{1, 0}, 2, nil)
	require.NoError(t, err)

	// Then the closest match comes first
	require.NotEmpty(t, results)
	require.Equal(t, "a", results[0].ID)
}

func TestHNSWStore_DimensionMismatchRejected(t *testing.T) {
	// Given a collection configured for 3 dimensions
	s, err := NewHNSWStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, CollectionCodeUnits, DefaultVectorStoreConfig(3)))

	// When adding a vector of the wrong dimension
	err = s.Add(ctx, CollectionCodeUnits, []string{"x"}, [][]float32{{1, 2}}, nil)

	// Then it is rejected with ErrDimensionMismatch
	require.Error(t, err)
	require.IsType(t, ErrDimensionMismatch{}, err)
}

func TestHNSWStore_SearchAppliesFilters(t *testing.T) {
	// Given vectors tagged with different projects
	s, err := NewHNSWStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, CollectionMemories, DefaultVectorStoreConfig(2)))

	require.NoError(t, s.Add(ctx, CollectionMemories,
		[]string{"p1-a", "p2-a"},
		[][]float32{{1, 0}, {1, 0}},
		[]map[string]string{{"project_id": "p1"}, {"project_id": "p2"}}))

	// When searching with a project_id filter
	results, err := s.Search(ctx, CollectionMemories, []float32{1, 0}, 10, []Filter{Eq("project_id", "p2")})
	require.NoError(t, err)

	// Then only the matching project's vector is returned
	require.Len(t, results, 1)
	require.Equal(t, "p2-a", results[0].ID)
}

func TestHNSWStore_DeleteRemovesFromResults(t *testing.T) {
	// Given a collection with one vector
	s, err := NewHNSWStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, CollectionMemories, DefaultVectorStoreConfig(2)))
	require.NoError(t, s.Add(ctx, CollectionMemories, []string{"a"}, [][]float32{{1, 0}}, nil))

	// When the vector is deleted
	require.NoError(t, s.Delete(ctx, CollectionMemories, []string{"a"}))

	// Then it is gone and the collection is empty
	require.False(t, s.Contains(CollectionMemories, "a"))
	require.Equal(t, 0, s.Count(CollectionMemories))
}

func TestHNSWStore_SaveLoadRoundTrip(t *testing.T) {
	// Given a populated store persisted to disk
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	s, err := NewHNSWStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, CollectionMemories, DefaultVectorStoreConfig(2)))
	require.NoError(t, s.Add(ctx, CollectionMemories, []string{"a"}, [][]float32{{1, 0}}, []map[string]string{{"k": "v"}}))
	require.NoError(t, s.Save(path))
	require.NoError(t, s.Close())

	// When loaded into a new store
	loaded, err := NewHNSWStore()
	require.NoError(t, err)
	require.NoError(t, loaded.Load(path))

	// Then the collection and its payload survive the round trip
	require.True(t, loaded.Contains(CollectionMemories, "a"))
	results, err := loaded.Search(ctx, CollectionMemories, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "v", results[0].Payload["k"])
}

func TestHNSWStore_ScrollPaginates(t *testing.T) {
	// Given five vectors in a collection
	s, err := NewHNSWStore()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, CollectionMemories, DefaultVectorStoreConfig(1)))
	ids := []string{"a", "b", "c", "d", "e"}
	vecs := make([][]float32, len(ids))
	for i := range ids {
		vecs[i] = []float32{float32(i)}
	}
	require.NoError(t, s.Add(ctx, CollectionMemories, ids, vecs, nil))

	// When scrolling two at a time
	page1, cursor1, err := s.Scroll(ctx, CollectionMemories, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor1)

	page2, _, err := s.Scroll(ctx, CollectionMemories, cursor1, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	// Then the pages don't overlap
	require.NotEqual(t, page1, page2)
}
