package search

import (
	"context"
	"fmt"
	"time"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/git"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/internal/telemetry"
)

// var _ Searcher keeps Engine's method set honest against the interface at
// compile time, mirroring internal/store's var _ VectorStore assertions:
// the abstract and concrete signatures can never silently diverge.
var _ Searcher = (*Engine)(nil)

// Engine is the one production Searcher. It owns no collection: every
// vector collection it reads is written by its owning component (the code
// indexer, the GHAP persister, the git indexer, a future memory/value
// writer) and Engine only ever searches and hydrates.
type Engine struct {
	projectID string
	metadata  store.MetadataStore
	vectors   store.VectorStore
	embedders *embed.Registry
	git       *git.Indexer
	metrics   *telemetry.QueryMetrics
}

// NewEngine builds a Searcher over the given stores and embedding registry.
// gitIndexer may be nil for projects with no repository; SearchCommits then
// degrades to an empty result the same way internal/git itself does for an
// unconfigured project.
func NewEngine(projectID string, metadata store.MetadataStore, vectors store.VectorStore, embedders *embed.Registry, gitIndexer *git.Indexer) *Engine {
	return &Engine{
		projectID: projectID,
		metadata:  metadata,
		vectors:   vectors,
		embedders: embedders,
		git:       gitIndexer,
	}
}

// SetMetrics attaches a query telemetry collector. Every Search* call records
// one QueryEvent once SetMetrics has been called; without it Engine runs with
// no telemetry overhead at all, which is what every ephemeral one-shot CLI
// caller (clams search) wants. Nil is safe and disables recording again.
func (e *Engine) SetMetrics(m *telemetry.QueryMetrics) {
	e.metrics = m
}

// recordQuery records one search as telemetry, if a collector is attached.
// Every Engine search is vector-embedding based, so QueryType is always
// semantic; there is no lexical path in this engine to classify against.
func (e *Engine) recordQuery(query string, resultCount int, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(telemetry.QueryEvent{
		Query:       query,
		QueryType:   telemetry.QueryTypeSemantic,
		ResultCount: resultCount,
		Latency:     time.Since(started),
		Timestamp:   started,
	})
}

// embedQuery picks the domain-appropriate embedder role (code units get the
// code embedder, everything else gets semantic) and embeds the query text.
func (e *Engine) embedQuery(ctx context.Context, role embed.Role, query string) ([]float32, error) {
	embedder, err := e.embedders.Get(ctx, role)
	if err != nil {
		return nil, amerrors.InternalError(fmt.Sprintf("acquire %s embedder", role), err)
	}
	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, amerrors.Wrap(amerrors.ErrCodeEmbeddingFailed, err)
	}
	return vec, nil
}

// vectorSearch runs a collection search and treats an uncreated collection
// (nothing has been indexed into it yet) as zero results rather than an
// error, matching the cold-start invariant that collections are created
// lazily on first write.
func (e *Engine) vectorSearch(ctx context.Context, collection string, vec []float32, k int, filters []store.Filter) ([]*store.VectorResult, error) {
	results, err := e.vectors.Search(ctx, collection, vec, k, filters)
	if err != nil {
		if _, ok := err.(store.ErrCollectionNotFound); ok {
			return []*store.VectorResult{}, nil
		}
		return nil, amerrors.Wrap(amerrors.ErrCodeSearchFailed, err)
	}
	return results, nil
}

// SearchMemories searches the memories collection with the semantic
// embedder and hydrates each hit from the metadata store.
func (e *Engine) SearchMemories(ctx context.Context, query string, filter MemoryFilter) ([]MemoryResult, error) {
	started := time.Now()
	if !validMemoryCategory(filter.Category) {
		return nil, amerrors.ValidationError(fmt.Sprintf("invalid memory category %q", filter.Category), nil)
	}
	limit := clampLimit(filter.Limit)

	vec, err := e.embedQuery(ctx, embed.RoleSemantic, query)
	if err != nil {
		return nil, err
	}

	var filters []store.Filter
	if filter.Category != "" {
		filters = append(filters, store.Eq("category", string(filter.Category)))
	}

	hits, err := e.vectorSearch(ctx, store.CollectionMemories, vec, overfetch(limit, filter.Tags), filters)
	if err != nil {
		return nil, err
	}

	results := make([]MemoryResult, 0, len(hits))
	for _, h := range hits {
		mem, err := e.metadata.GetMemory(ctx, h.ID)
		if err != nil || mem == nil {
			continue
		}
		if !hasAnyTag(mem.Tags, filter.Tags) {
			continue
		}
		results = append(results, MemoryResult{Memory: mem, Score: h.Score})
		if len(results) == limit {
			break
		}
	}
	e.recordQuery(query, len(results), started)
	return results, nil
}

// SearchCode searches the code_units collection with the code embedder and
// hydrates each hit's full unit from the metadata store.
func (e *Engine) SearchCode(ctx context.Context, query string, filter CodeFilter) ([]CodeResult, error) {
	started := time.Now()
	if !validSymbolType(filter.UnitType) {
		return nil, amerrors.ValidationError(fmt.Sprintf("invalid unit type %q", filter.UnitType), nil)
	}
	limit := clampLimit(filter.Limit)
	projectID := filter.ProjectID
	if projectID == "" {
		projectID = e.projectID
	}

	vec, err := e.embedQuery(ctx, embed.RoleCode, query)
	if err != nil {
		return nil, err
	}

	filters := []store.Filter{store.Eq("project", projectID)}
	if filter.Language != "" {
		filters = append(filters, store.Eq("language", filter.Language))
	}
	if filter.UnitType != "" {
		filters = append(filters, store.Eq("unit_type", string(filter.UnitType)))
	}

	hits, err := e.vectorSearch(ctx, store.CollectionCodeUnits, vec, limit, filters)
	if err != nil {
		return nil, err
	}

	results := make([]CodeResult, 0, len(hits))
	for _, h := range hits {
		unit, err := e.metadata.GetCodeUnit(ctx, h.ID)
		if err != nil || unit == nil {
			continue
		}
		results = append(results, CodeResult{Unit: unit, Score: h.Score})
	}
	e.recordQuery(query, len(results), started)
	return results, nil
}

// SearchExperiences searches one GHAP experience axis's dedicated
// collection with the semantic embedder and hydrates each hit's full entry.
func (e *Engine) SearchExperiences(ctx context.Context, query string, axis store.Axis, filter ExperienceFilter) ([]ExperienceResult, error) {
	started := time.Now()
	if !validAxis(axis) {
		return nil, amerrors.ValidationError(fmt.Sprintf("invalid experience axis %q", axis), nil)
	}
	if !validGhapDomain(filter.Domain) {
		return nil, amerrors.ValidationError(fmt.Sprintf("invalid ghap domain %q", filter.Domain), nil)
	}
	if !validConfidenceTier(filter.Tier) {
		return nil, amerrors.ValidationError(fmt.Sprintf("invalid confidence tier %q", filter.Tier), nil)
	}
	limit := clampLimit(filter.Limit)

	vec, err := e.embedQuery(ctx, embed.RoleSemantic, query)
	if err != nil {
		return nil, err
	}

	var filters []store.Filter
	if filter.Domain != "" {
		filters = append(filters, store.Eq("domain", string(filter.Domain)))
	}
	if filter.Tier != "" {
		filters = append(filters, store.Eq("tier", string(filter.Tier)))
	}

	hits, err := e.vectorSearch(ctx, collectionForAxis(axis), vec, limit, filters)
	if err != nil {
		return nil, err
	}

	results := make([]ExperienceResult, 0, len(hits))
	for _, h := range hits {
		ghapID := h.Payload["ghap_id"]
		entry, err := e.metadata.GetGhapEntry(ctx, ghapID)
		if err != nil || entry == nil {
			continue
		}
		results = append(results, ExperienceResult{Entry: entry, Axis: axis, Score: h.Score})
	}
	e.recordQuery(query, len(results), started)
	return results, nil
}

// SearchValues searches the values collection with the semantic embedder.
// Values have no single-row lookup in MetadataStore (they are always
// listed), so hits are hydrated by matching against one ListValues call
// rather than one metadata round trip per hit.
func (e *Engine) SearchValues(ctx context.Context, query string, filter ValueFilter) ([]ValueResult, error) {
	started := time.Now()
	limit := clampLimit(filter.Limit)

	vec, err := e.embedQuery(ctx, embed.RoleSemantic, query)
	if err != nil {
		return nil, err
	}

	hits, err := e.vectorSearch(ctx, store.CollectionValues, vec, limit, nil)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		e.recordQuery(query, 0, started)
		return []ValueResult{}, nil
	}

	all, err := e.metadata.ListValues(ctx)
	if err != nil {
		return nil, amerrors.Wrap(amerrors.ErrCodeSearchFailed, err)
	}
	byID := make(map[string]*store.Value, len(all))
	for _, v := range all {
		byID[v.ID] = v
	}

	results := make([]ValueResult, 0, len(hits))
	for _, h := range hits {
		v, ok := byID[h.ID]
		if !ok {
			continue
		}
		results = append(results, ValueResult{Value: v, Score: h.Score})
	}
	e.recordQuery(query, len(results), started)
	return results, nil
}

// SearchCommits delegates to the project's git indexer, which owns the
// commits collection, then hydrates each hit into a full Commit. A project
// with no repository yields an empty result rather than an error.
func (e *Engine) SearchCommits(ctx context.Context, query string, filter CommitFilter) ([]CommitResult, error) {
	started := time.Now()
	limit := clampLimit(filter.Limit)
	if e.git == nil {
		return []CommitResult{}, nil
	}

	hits, err := e.git.SearchCommits(ctx, query, filter.Author, filter.Since, limit)
	if err != nil {
		return nil, amerrors.Wrap(amerrors.ErrCodeSearchFailed, err)
	}
	if hits.Reason != "" {
		return []CommitResult{}, nil
	}

	results := make([]CommitResult, 0, len(hits.Results))
	for _, h := range hits.Results {
		commit, err := e.metadata.GetCommit(ctx, h.ID)
		if err != nil || commit == nil {
			continue
		}
		results = append(results, CommitResult{Commit: commit, Score: h.Score})
	}
	e.recordQuery(query, len(results), started)
	return results, nil
}

// overfetch widens a vector search's k when a client-side post-filter (tag
// membership) may drop hits, so the caller still gets up to limit results
// when enough candidates exist. Capped to keep the search bounded.
func overfetch(limit int, tags []string) int {
	if len(tags) == 0 {
		return limit
	}
	k := limit * 4
	if k > MaxLimit*4 {
		k = MaxLimit * 4
	}
	return k
}
