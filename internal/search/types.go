// Package search provides the single typed query surface over every vector
// collection: memories, code units, GHAP experience axes, distilled values,
// and commit messages. One interface, one implementation, one method per
// domain — the abstract and concrete signatures never diverge.
package search

import (
	"context"
	"time"

	"github.com/emmilco/clams-sub000/internal/store"
)

// DefaultLimit and MaxLimit bound every domain query the same way: an unset
// or non-positive limit becomes DefaultLimit, anything above MaxLimit is
// clamped down to it. Limits are the one quantity this package ever clamps;
// enum fields are rejected outright rather than coerced.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Searcher is the single query surface every MCP tool and the context
// assembler search against. Exactly one production implementation
// (*Engine) exists; see the var _ Searcher assertion in engine.go.
type Searcher interface {
	SearchMemories(ctx context.Context, query string, filter MemoryFilter) ([]MemoryResult, error)
	SearchCode(ctx context.Context, query string, filter CodeFilter) ([]CodeResult, error)
	SearchExperiences(ctx context.Context, query string, axis store.Axis, filter ExperienceFilter) ([]ExperienceResult, error)
	SearchValues(ctx context.Context, query string, filter ValueFilter) ([]ValueResult, error)
	SearchCommits(ctx context.Context, query string, filter CommitFilter) ([]CommitResult, error)
}

// MemoryFilter narrows a memory search. Category, when set, must be one of
// the closed MemoryCategory values. Tags is an any-of match: a memory
// qualifies if it carries at least one of the listed tags. Tag membership
// isn't expressible in the store's Eq/In/Range filter grammar (a payload
// field holds one string, not a set), so it's applied as a post-filter over
// the vector store's results rather than pushed down.
type MemoryFilter struct {
	Category store.MemoryCategory
	Tags     []string
	Limit    int
}

// MemoryResult pairs a stored memory with its query similarity score.
type MemoryResult struct {
	Memory *store.Memory
	Score  float32
}

// CodeFilter narrows a code search to a project, language, and/or unit kind.
// ProjectID defaults to the engine's configured project when empty.
type CodeFilter struct {
	ProjectID string
	Language  string
	UnitType  store.SymbolType
	Limit     int
}

// CodeResult pairs a retrieved code unit with its query similarity score.
type CodeResult struct {
	Unit  *store.CodeUnit
	Score float32
}

// ExperienceFilter narrows a GHAP experience-axis search. Domain and Tier,
// when set, must be one of their closed enum values.
type ExperienceFilter struct {
	Domain store.GhapDomain
	Tier   store.ConfidenceTier
	Limit  int
}

// ExperienceResult pairs a resolved GHAP entry with the axis that matched
// and the query similarity score for that axis's embedding.
type ExperienceResult struct {
	Entry *store.GhapEntry
	Axis  store.Axis
	Score float32
}

// ValueFilter narrows a distilled-value search.
type ValueFilter struct {
	Limit int
}

// ValueResult pairs a distilled value with its query similarity score.
type ValueResult struct {
	Value *store.Value
	Score float32
}

// CommitFilter narrows a commit-message search to an author and/or a
// minimum commit time.
type CommitFilter struct {
	Author string
	Since  *time.Time
	Limit  int
}

// CommitResult pairs a hydrated commit with its query similarity score.
type CommitResult struct {
	Commit *store.Commit
	Score  float32
}

// clampLimit folds a caller-supplied limit to [1, MaxLimit], substituting
// DefaultLimit for anything non-positive.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func validMemoryCategory(c store.MemoryCategory) bool {
	switch c {
	case "", store.CategoryPreference, store.CategoryFact, store.CategoryEvent, store.CategoryWorkflow, store.CategoryContext:
		return true
	default:
		return false
	}
}

func validGhapDomain(d store.GhapDomain) bool {
	switch d {
	case "", store.DomainDebugging, store.DomainFeature, store.DomainRefactor, store.DomainPerformance, store.DomainArchitecture:
		return true
	default:
		return false
	}
}

func validConfidenceTier(tier store.ConfidenceTier) bool {
	switch tier {
	case "", store.TierGold, store.TierSilver, store.TierBronze, store.TierAbandoned:
		return true
	default:
		return false
	}
}

func validAxis(axis store.Axis) bool {
	switch axis {
	case store.AxisFull, store.AxisStrategy, store.AxisSurprise, store.AxisRootCause:
		return true
	default:
		return false
	}
}

func validSymbolType(t store.SymbolType) bool {
	switch t {
	case "", store.SymbolTypeFunction, store.SymbolTypeClass, store.SymbolTypeInterface,
		store.SymbolTypeType, store.SymbolTypeVariable, store.SymbolTypeConstant, store.SymbolTypeMethod:
		return true
	default:
		return false
	}
}

// collectionForAxis maps an experience axis to its dedicated vector
// collection, matching internal/ghap's write-side mapping.
func collectionForAxis(axis store.Axis) string {
	switch axis {
	case store.AxisStrategy:
		return store.CollectionExperiencesStrat
	case store.AxisSurprise:
		return store.CollectionExperiencesSurp
	case store.AxisRootCause:
		return store.CollectionExperiencesRoot
	default:
		return store.CollectionExperiencesFull
	}
}

func hasAnyTag(tags, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}
