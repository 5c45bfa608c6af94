package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_ProjectCRUD(t *testing.T) {
	// Given an empty metadata store
	s := newTestStore(t)
	ctx := context.Background()

	// When a project is saved and re-read
	proj := &Project{
		ID:          "p1",
		Name:        "demo",
		RootPath:    "/tmp/demo",
		ProjectType: "go",
		FileCount:   3,
		UnitCount:   10,
		IndexedAt:   time.Now().Truncate(time.Second),
		Version:     "1",
	}
	require.NoError(t, s.SaveProject(ctx, proj))

	got, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)

	// Then every field round-trips
	require.Equal(t, proj.ID, got.ID)
	require.Equal(t, proj.Name, got.Name)
	require.Equal(t, proj.RootPath, got.RootPath)
	require.Equal(t, proj.FileCount, got.FileCount)
	require.Equal(t, proj.UnitCount, got.UnitCount)
	require.WithinDuration(t, proj.IndexedAt, got.IndexedAt, time.Second)
}

func TestSQLiteStore_UpdateProjectStats(t *testing.T) {
	// Given a saved project
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveProject(ctx, &Project{ID: "p1", Name: "demo", RootPath: "/tmp", ProjectType: "go", Version: "1"}))

	// When stats are updated
	require.NoError(t, s.UpdateProjectStats(ctx, "p1", 7, 42))

	// Then the new counts are reflected
	got, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 7, got.FileCount)
	require.Equal(t, 42, got.UnitCount)
}

func TestSQLiteStore_FileAndCodeUnitLifecycle(t *testing.T) {
	// Given a project with one indexed file and two code units
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveProject(ctx, &Project{ID: "p1", Name: "demo", RootPath: "/tmp", ProjectType: "go", Version: "1"}))

	file := &IndexedFile{ID: "f1", ProjectID: "p1", Path: "main.go", Size: 100, ModTime: time.Now(), ContentHash: "abc", Language: "go", IndexedAt: time.Now()}
	require.NoError(t, s.SaveFiles(ctx, []*IndexedFile{file}))

	units := []*CodeUnit{
		{ID: "u1", FileID: "f1", FilePath: "main.go", Content: "func main(){}", Language: "go", StartLine: 1, EndLine: 1},
		{ID: "u2", FileID: "f1", FilePath: "main.go", Content: "func helper(){}", Language: "go", StartLine: 3, EndLine: 3},
	}
	require.NoError(t, s.SaveCodeUnits(ctx, units))

	// When the units are fetched back by file
	got, err := s.GetCodeUnitsByFile(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// When the file is deleted
	require.NoError(t, s.DeleteFile(ctx, "f1"))

	// Then its code units cascade away too
	got, err = s.GetCodeUnitsByFile(ctx, "f1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSQLiteStore_GhapLifecycle(t *testing.T) {
	// Given no active episode for a session
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.GetActiveGhapEntry(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, active)

	// When one is started
	entry := &GhapEntry{
		ID:         "g1",
		SessionID:  "sess-1",
		Domain:     DomainDebugging,
		Strategy:   StrategyBinarySearch,
		Goal:       "find the leak",
		Hypothesis: "it's the cache",
		Status:     StatusActive,
		StartedAt:  time.Now(),
	}
	require.NoError(t, s.SaveGhapEntry(ctx, entry))

	// Then it's discoverable as the session's active entry
	active, err = s.GetActiveGhapEntry(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "g1", active.ID)

	// When resolved
	now := time.Now()
	entry.Status = StatusResolved
	entry.Outcome = OutcomeConfirmed
	entry.Tier = TierGold
	entry.ResolvedAt = &now
	require.NoError(t, s.SaveGhapEntry(ctx, entry))

	// Then it no longer appears as active, but does in the resolved list
	active, err = s.GetActiveGhapEntry(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, active)

	resolved, err := s.ListResolvedGhapEntries(ctx, DomainDebugging)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, TierGold, resolved[0].Tier)
}

func TestSQLiteStore_StateKeyValue(t *testing.T) {
	// Given an unset key
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, v)

	// When set then overwritten
	require.NoError(t, s.SetState(ctx, "key", "one"))
	require.NoError(t, s.SetState(ctx, "key", "two"))

	// Then the latest value wins
	v, err = s.GetState(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, "two", v)
}

func TestSQLiteStore_JournalIsAppendOnly(t *testing.T) {
	// Given a session with two journal entries
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendJournalEntry(ctx, &SessionJournalEntry{SessionID: "sess-1", Kind: "ghap_start", Payload: "{}", Timestamp: time.Now()}))
	require.NoError(t, s.AppendJournalEntry(ctx, &SessionJournalEntry{SessionID: "sess-1", Kind: "ghap_resolve", Payload: "{}", Timestamp: time.Now().Add(time.Second)}))

	// When listed
	entries, err := s.ListJournalEntries(ctx, "sess-1")
	require.NoError(t, err)

	// Then both are present in chronological order
	require.Len(t, entries, 2)
	require.Equal(t, "ghap_start", entries[0].Kind)
	require.Equal(t, "ghap_resolve", entries[1].Kind)
}
