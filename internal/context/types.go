// Package context assembles a single markdown context block from a query
// fanned out across every searchable domain: memories, code, GHAP
// experiences, distilled values, and commits.
package context

import (
	"fmt"
	"hash/fnv"
	"time"
)

// SourceType is the closed set of domains the assembler can search.
type SourceType string

const (
	SourceMemories    SourceType = "memories"
	SourceCode        SourceType = "code"
	SourceExperiences SourceType = "experiences"
	SourceValues      SourceType = "values"
	SourceCommits     SourceType = "commits"
)

func validSourceType(t SourceType) bool {
	switch t {
	case SourceMemories, SourceCode, SourceExperiences, SourceValues, SourceCommits:
		return true
	default:
		return false
	}
}

// SourceRequest enables one domain in an Assemble call with its own
// per-type result limit.
type SourceRequest struct {
	Type  SourceType
	Limit int
}

// ContextItem is one retrieved piece of context, normalized across domains
// so the assembler can rank, de-duplicate, and render every source the
// same way.
type ContextItem struct {
	Source    SourceType
	ID        string
	Score     float64
	Content   string
	CreatedAt time.Time
}

// dedupKey is the stable fingerprint two items are considered duplicates
// under: same source, same id, same rendered-content length bucket.
// Bucketing rather than comparing length exactly tolerates a trivial
// re-render (a trailing newline, a reformatted score) of the same record.
type dedupKey struct {
	Source SourceType
	ID     string
	Bucket int
}

func (c ContextItem) key() dedupKey {
	return dedupKey{Source: c.Source, ID: c.ID, Bucket: len(c.Content) / 100}
}

// Hash and Equal agree on exactly the dedup fingerprint's fields — any two
// items Equal also Hash identically — which is what lets ContextItem back
// a set/map keyed on content identity rather than struct identity.
func (c ContextItem) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%d", c.Source, c.ID, len(c.Content)/100)
	return h.Sum64()
}

func (c ContextItem) Equal(other ContextItem) bool {
	return c.key() == other.key()
}
