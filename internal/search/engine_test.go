package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/store"
)

func setupEngine(t *testing.T) (*Engine, store.MetadataStore, store.VectorStore) {
	t.Helper()
	meta, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	vec, err := store.NewHNSWStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	registry := embed.NewRegistry(embed.RegistryConfig{
		Provider:      "static",
		CodeModel:     "code",
		SemanticModel: "semantic",
	})
	t.Cleanup(func() { _ = registry.Close() })

	engine := NewEngine("proj", meta, vec, registry, nil)
	return engine, meta, vec
}

func embedStatic(t *testing.T, ctx context.Context, registry *embed.Registry, role embed.Role, text string) []float32 {
	t.Helper()
	embedder, err := registry.Get(ctx, role)
	require.NoError(t, err)
	vec, err := embedder.Embed(ctx, text)
	require.NoError(t, err)
	return vec
}

func TestEngine_SearchMemories_EmptyCollectionReturnsEmpty(t *testing.T) {
	// Given no memories have ever been indexed
	engine, _, _ := setupEngine(t)

	// When searching
	results, err := engine.SearchMemories(context.Background(), "anything", MemoryFilter{})

	// Then the uncreated collection degrades to zero results, not an error
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestEngine_SearchMemories_RejectsInvalidCategory(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.SearchMemories(context.Background(), "q", MemoryFilter{Category: "bogus"})

	require.Error(t, err)
}

func TestEngine_SearchMemories_FindsMatchingMemoryAndAppliesTagFilter(t *testing.T) {
	ctx := context.Background()
	engine, meta, vec := setupEngine(t)

	registry := embed.NewRegistry(embed.RegistryConfig{Provider: "static", SemanticModel: "semantic"})
	defer registry.Close()

	mem := &store.Memory{
		ID: "mem1", ProjectID: "proj", Category: store.CategoryPreference,
		Content: "user prefers tabs over spaces", Tags: []string{"style", "editor"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, meta.SaveMemory(ctx, mem))

	v := embedStatic(t, ctx, registry, embed.RoleSemantic, mem.Content)
	require.NoError(t, vec.EnsureCollection(ctx, store.CollectionMemories, store.DefaultVectorStoreConfig(len(v))))
	require.NoError(t, vec.Add(ctx, store.CollectionMemories, []string{mem.ID}, [][]float32{v},
		[]map[string]string{{"category": string(mem.Category)}}))

	// When searching with a matching tag filter
	results, err := engine.SearchMemories(ctx, mem.Content, MemoryFilter{Tags: []string{"editor"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, mem.ID, results[0].Memory.ID)

	// And a non-matching tag filter excludes it
	results, err = engine.SearchMemories(ctx, mem.Content, MemoryFilter{Tags: []string{"nonexistent"}})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestEngine_SearchCode_ScopesToProjectAndHydratesUnit(t *testing.T) {
	ctx := context.Background()
	engine, meta, vec := setupEngine(t)

	registry := embed.NewRegistry(embed.RegistryConfig{Provider: "static", CodeModel: "code"})
	defer registry.Close()

	require.NoError(t, meta.SaveProject(ctx, &store.Project{ID: "proj", Name: "proj", RootPath: "/tmp/proj"}))
	require.NoError(t, meta.SaveFiles(ctx, []*store.IndexedFile{{
		ID: "file1", ProjectID: "proj", Path: "a.go", ContentHash: "h1", ModTime: time.Now(),
	}}))
	unit := &store.CodeUnit{
		ID: "unit1", FileID: "file1", FilePath: "a.go", Content: "func Add(a, b int) int { return a + b }",
		Language: "go", StartLine: 1, EndLine: 1, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, meta.SaveCodeUnits(ctx, []*store.CodeUnit{unit}))

	v := embedStatic(t, ctx, registry, embed.RoleCode, unit.Content)
	require.NoError(t, vec.EnsureCollection(ctx, store.CollectionCodeUnits, store.DefaultVectorStoreConfig(len(v))))
	require.NoError(t, vec.Add(ctx, store.CollectionCodeUnits, []string{unit.ID}, [][]float32{v},
		[]map[string]string{{"project": "proj", "language": "go"}}))

	// When searching in-project
	results, err := engine.SearchCode(ctx, unit.Content, CodeFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, unit.ID, results[0].Unit.ID)

	// And searching a different project finds nothing
	results, err = engine.SearchCode(ctx, unit.Content, CodeFilter{ProjectID: "other"})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestEngine_SearchCode_RejectsInvalidUnitType(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.SearchCode(context.Background(), "q", CodeFilter{UnitType: "bogus"})

	require.Error(t, err)
}

func TestEngine_SearchExperiences_RejectsInvalidAxis(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.SearchExperiences(context.Background(), "q", store.Axis("bogus"), ExperienceFilter{})

	require.Error(t, err)
}

func TestEngine_SearchExperiences_FindsEntryOnItsAxisCollection(t *testing.T) {
	ctx := context.Background()
	engine, meta, vec := setupEngine(t)

	registry := embed.NewRegistry(embed.RegistryConfig{Provider: "static", SemanticModel: "semantic"})
	defer registry.Close()

	entry := &store.GhapEntry{
		ID: "ghap1", SessionID: "sess1", Domain: store.DomainDebugging,
		Strategy: store.StrategyBinarySearch, Goal: "find the leak", Hypothesis: "it's the cache",
		Prediction: "cache grows unbounded", IterationCount: 1, Outcome: store.OutcomeConfirmed,
		Tier: store.TierGold, Status: store.StatusResolved, StartedAt: time.Now(),
	}
	require.NoError(t, meta.SaveGhapEntry(ctx, entry))

	text := "find the leak: it's the cache"
	v := embedStatic(t, ctx, registry, embed.RoleSemantic, text)
	collection := collectionForAxis(store.AxisStrategy)
	require.NoError(t, vec.EnsureCollection(ctx, collection, store.DefaultVectorStoreConfig(len(v))))
	require.NoError(t, vec.Add(ctx, collection, []string{entry.ID + ":strategy"}, [][]float32{v},
		[]map[string]string{{"ghap_id": entry.ID, "domain": string(entry.Domain), "tier": string(entry.Tier)}}))

	results, err := engine.SearchExperiences(ctx, text, store.AxisStrategy, ExperienceFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, entry.ID, results[0].Entry.ID)
	require.Equal(t, store.AxisStrategy, results[0].Axis)

	// Searching a different axis's collection finds nothing, since each axis
	// is a distinct collection.
	results, err = engine.SearchExperiences(ctx, text, store.AxisRootCause, ExperienceFilter{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestEngine_SearchValues_MatchesAgainstListedValues(t *testing.T) {
	ctx := context.Background()
	engine, meta, vec := setupEngine(t)

	registry := embed.NewRegistry(embed.RegistryConfig{Provider: "static", SemanticModel: "semantic"})
	defer registry.Close()

	value := &store.Value{
		ID: "val1", ClusterID: "cl1", Statement: "prefer root-cause analysis for flaky tests",
		Confidence: 0.9, SupportSize: 5, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, meta.SaveValue(ctx, value))

	v := embedStatic(t, ctx, registry, embed.RoleSemantic, value.Statement)
	require.NoError(t, vec.EnsureCollection(ctx, store.CollectionValues, store.DefaultVectorStoreConfig(len(v))))
	require.NoError(t, vec.Add(ctx, store.CollectionValues, []string{value.ID}, [][]float32{v}, []map[string]string{{}}))

	results, err := engine.SearchValues(ctx, value.Statement, ValueFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, value.ID, results[0].Value.ID)
}

func TestEngine_SearchCommits_NilGitIndexerReturnsEmpty(t *testing.T) {
	engine, _, _ := setupEngine(t)

	results, err := engine.SearchCommits(context.Background(), "fix bug", CommitFilter{})

	require.NoError(t, err)
	require.Empty(t, results)
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, DefaultLimit, clampLimit(0))
	require.Equal(t, DefaultLimit, clampLimit(-5))
	require.Equal(t, 5, clampLimit(5))
	require.Equal(t, MaxLimit, clampLimit(MaxLimit+50))
}

func TestHasAnyTag(t *testing.T) {
	require.True(t, hasAnyTag([]string{"a", "b"}, nil))
	require.True(t, hasAnyTag([]string{"a", "b"}, []string{"b"}))
	require.False(t, hasAnyTag([]string{"a", "b"}, []string{"z"}))
}
