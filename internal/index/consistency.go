// Package index provides code indexing and cross-store consistency checking.
package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/emmilco/clams-sub000/internal/store"
)

// InconsistencyType categorizes a detected cross-store issue.
type InconsistencyType int

const (
	// InconsistencyOrphanVector indicates a vector entry without matching metadata.
	InconsistencyOrphanVector InconsistencyType = iota
	// InconsistencyMissingVector indicates a metadata entry missing from the vector store.
	InconsistencyMissingVector
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingVector:
		return "missing_vector"
	default:
		return "unknown"
	}
}

// Inconsistency represents a detected cross-store issue for one code unit.
type Inconsistency struct {
	Type    InconsistencyType
	UnitID  string
	Details string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// ConsistencyChecker validates that every code unit row in the metadata
// store has a matching vector in the code_units collection and vice versa.
// Search here is pure vector similarity, so consistency only needs to be
// checked between these two stores: metadata and vectors.
type ConsistencyChecker struct {
	metadata  store.MetadataStore
	vector    store.VectorStore
	projectID string
}

// NewConsistencyChecker creates a checker scoped to a single project.
func NewConsistencyChecker(metadata store.MetadataStore, vector store.VectorStore, projectID string) *ConsistencyChecker {
	return &ConsistencyChecker{metadata: metadata, vector: vector, projectID: projectID}
}

// Check scans both stores for inconsistencies in the code_units collection.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	metaIDs, err := c.metadata.ListCodeUnitIDsByProject(ctx, c.projectID)
	if err != nil {
		return nil, err
	}
	metaSet := make(map[string]bool, len(metaIDs))
	for _, id := range metaIDs {
		metaSet[id] = true
	}

	vectorIDs, err := c.scrollAllVectorIDs(ctx)
	if err != nil {
		slog.Warn("failed to scroll code_units vector collection for consistency check",
			slog.String("error", err.Error()))
	}
	vectorSet := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		vectorSet[id] = true
	}

	var issues []Inconsistency
	for _, id := range vectorIDs {
		if !metaSet[id] {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyOrphanVector,
				UnitID:  id,
				Details: "vector entry without matching code unit row",
			})
		}
	}
	for _, id := range metaIDs {
		if !vectorSet[id] {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyMissingVector,
				UnitID:  id,
				Details: "code unit row missing its vector",
			})
		}
	}

	return &CheckResult{
		Checked:         len(metaIDs),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// scrollAllVectorIDs pages through the code_units collection to exhaustion,
// since VectorStore has no single "list all IDs" call.
func (c *ConsistencyChecker) scrollAllVectorIDs(ctx context.Context) ([]string, error) {
	var all []string
	cursor := ""
	for {
		ids, next, err := c.vector.Scroll(ctx, store.CollectionCodeUnits, cursor, 500)
		if err != nil {
			return all, err
		}
		all = append(all, ids...)
		if next == "" {
			break
		}
		cursor = next
	}
	return all, nil
}

// Repair deletes orphaned vectors (best-effort) and logs a warning for
// metadata rows missing their vector, which requires a re-index to fix
// rather than a cheap in-place repair.
func (c *ConsistencyChecker) Repair(ctx context.Context, issues []Inconsistency) error {
	var orphans []string
	var missingCount int

	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyOrphanVector:
			orphans = append(orphans, issue.UnitID)
		case InconsistencyMissingVector:
			missingCount++
		}
	}

	if len(orphans) > 0 {
		if err := c.vector.Delete(ctx, store.CollectionCodeUnits, orphans); err != nil {
			slog.Warn("failed to delete orphan code unit vectors",
				slog.Int("count", len(orphans)), slog.String("error", err.Error()))
		} else {
			slog.Info("deleted orphan code unit vectors", slog.Int("count", len(orphans)))
		}
	}

	if missingCount > 0 {
		slog.Warn("index has code units missing their vector, run 'clams index --force' to rebuild",
			slog.Int("missing_count", missingCount))
	}

	return nil
}

// QuickCheck compares counts only, without enumerating individual IDs.
func (c *ConsistencyChecker) QuickCheck(ctx context.Context) (bool, error) {
	metaIDs, err := c.metadata.ListCodeUnitIDsByProject(ctx, c.projectID)
	if err != nil {
		return false, err
	}
	vectorCount := c.vector.Count(store.CollectionCodeUnits)
	consistent := len(metaIDs) == vectorCount

	if !consistent {
		slog.Debug("index counts mismatch",
			slog.Int("metadata", len(metaIDs)), slog.Int("vector", vectorCount))
	}

	return consistent, nil
}
