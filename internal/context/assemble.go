package context

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
)

// defaultSourceWeight biases the composite ranking toward sources that have
// already been validated once: a distilled value survived clustering and a
// resolved GHAP experience survived a full investigation, so both outrank
// a raw memory or code unit at equal similarity. Used when a caller builds
// an Assembler with a nil weight map instead of internal/config's values.
var defaultSourceWeight = map[SourceType]float64{
	SourceValues:      1.2,
	SourceExperiences: 1.1,
	SourceMemories:    1.0,
	SourceCode:        0.9,
	SourceCommits:     0.8,
}

// defaultRecencyHalfLife is the fallback half-life when a caller builds an
// Assembler with a zero half-life instead of internal/config's value.
const defaultRecencyHalfLife = 7 * 24 * time.Hour

// charsPerToken is a rough chars-per-token estimate; swap in an exact
// tokenizer if budget accuracy ever matters more than this costs.
const charsPerToken = 4

// Assembler fans a query out across every enabled source, merges and ranks
// the combined hits, and greedily fills a markdown block up to a token
// budget. Weights and half-life are supplied by the caller (mirroring how
// cluster.NewDistiller takes its Options rather than hardcoding them) so
// the one set of ranking knobs lives in internal/config.ContextConfig.
type Assembler struct {
	searcher     search.Searcher
	parallelism  int
	sourceWeight map[SourceType]float64
	halfLife     time.Duration
}

// NewAssembler builds a context assembler over the given Searcher. At most
// parallelism source searches run concurrently per Assemble call. A nil
// sourceWeight or zero halfLife falls back to this package's defaults;
// callers should normally pass internal/config.ContextConfig's values.
func NewAssembler(searcher search.Searcher, parallelism int, sourceWeight map[SourceType]float64, halfLife time.Duration) *Assembler {
	if parallelism <= 0 {
		parallelism = 4
	}
	if sourceWeight == nil {
		sourceWeight = defaultSourceWeight
	}
	if halfLife <= 0 {
		halfLife = defaultRecencyHalfLife
	}
	return &Assembler{searcher: searcher, parallelism: parallelism, sourceWeight: sourceWeight, halfLife: halfLife}
}

// SourceWeights builds the sourceWeight map NewAssembler expects from the
// five plain per-domain weights internal/config.ContextConfig carries. Kept
// here rather than in internal/config so config stays free of this
// package's types.
func SourceWeights(memory, experience, value, code, commit float64) map[SourceType]float64 {
	return map[SourceType]float64{
		SourceMemories:    memory,
		SourceExperiences: experience,
		SourceValues:      value,
		SourceCode:        code,
		SourceCommits:     commit,
	}
}

// Result is the assembled markdown block plus the accounting a caller
// reports back to show how much of the budget was spent.
type Result struct {
	Markdown      string
	ItemsIncluded int
	TokensUsed    int
}

// Assemble searches every requested source, de-duplicates and ranks the
// combined hits by score*sourceWeight*recencyDecay, and greedily fills
// maxTokens worth of rendered markdown. An unknown source type is rejected
// before any search runs rather than silently dropped.
func (a *Assembler) Assemble(ctx context.Context, query string, sources []SourceRequest, maxTokens int) (*Result, error) {
	for _, s := range sources {
		if !validSourceType(s.Type) {
			return nil, amerrors.ValidationError(fmt.Sprintf("unknown context source %q", s.Type), nil)
		}
	}

	items, err := a.searchAll(ctx, query, sources)
	if err != nil {
		return nil, err
	}

	items = dedupe(items)
	a.sortByCompositeScore(items)

	return fill(items, maxTokens), nil
}

// searchAll fans out one goroutine per source, bounded by a.parallelism
// concurrent searches at a time via a semaphore over errgroup.
func (a *Assembler) searchAll(ctx context.Context, query string, sources []SourceRequest) ([]ContextItem, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, a.parallelism)

	perSource := make([][]ContextItem, len(sources))
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			found, err := a.searchOne(gctx, query, src)
			if err != nil {
				return err
			}
			perSource[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []ContextItem
	for _, found := range perSource {
		all = append(all, found...)
	}
	return all, nil
}

func (a *Assembler) searchOne(ctx context.Context, query string, src SourceRequest) ([]ContextItem, error) {
	switch src.Type {
	case SourceMemories:
		hits, err := a.searcher.SearchMemories(ctx, query, search.MemoryFilter{Limit: src.Limit})
		if err != nil {
			return nil, err
		}
		items := make([]ContextItem, len(hits))
		for i, h := range hits {
			items[i] = ContextItem{
				Source: SourceMemories, ID: h.Memory.ID, Score: float64(h.Score),
				Content: renderMemory(h.Memory), CreatedAt: h.Memory.CreatedAt,
			}
		}
		return items, nil

	case SourceCode:
		hits, err := a.searcher.SearchCode(ctx, query, search.CodeFilter{Limit: src.Limit})
		if err != nil {
			return nil, err
		}
		items := make([]ContextItem, len(hits))
		for i, h := range hits {
			items[i] = ContextItem{
				Source: SourceCode, ID: h.Unit.ID, Score: float64(h.Score),
				Content: renderCode(h.Unit), CreatedAt: h.Unit.UpdatedAt,
			}
		}
		return items, nil

	case SourceExperiences:
		// The "full" axis renders every experience field, so it is the
		// representative axis for general-purpose context assembly rather
		// than one of the narrower strategy/surprise/root-cause axes.
		hits, err := a.searcher.SearchExperiences(ctx, query, store.AxisFull, search.ExperienceFilter{Limit: src.Limit})
		if err != nil {
			return nil, err
		}
		items := make([]ContextItem, len(hits))
		for i, h := range hits {
			items[i] = ContextItem{
				Source: SourceExperiences, ID: h.Entry.ID, Score: float64(h.Score),
				Content: renderExperience(h.Entry), CreatedAt: h.Entry.StartedAt,
			}
		}
		return items, nil

	case SourceValues:
		hits, err := a.searcher.SearchValues(ctx, query, search.ValueFilter{Limit: src.Limit})
		if err != nil {
			return nil, err
		}
		items := make([]ContextItem, len(hits))
		for i, h := range hits {
			items[i] = ContextItem{
				Source: SourceValues, ID: h.Value.ID, Score: float64(h.Score),
				Content: renderValue(h.Value), CreatedAt: h.Value.CreatedAt,
			}
		}
		return items, nil

	case SourceCommits:
		hits, err := a.searcher.SearchCommits(ctx, query, search.CommitFilter{Limit: src.Limit})
		if err != nil {
			return nil, err
		}
		items := make([]ContextItem, len(hits))
		for i, h := range hits {
			items[i] = ContextItem{
				Source: SourceCommits, ID: h.Commit.Hash, Score: float64(h.Score),
				Content: renderCommit(h.Commit), CreatedAt: h.Commit.Timestamp,
			}
		}
		return items, nil

	default:
		// Unreachable: Assemble validates every source type up front.
		return nil, nil
	}
}

func dedupe(items []ContextItem) []ContextItem {
	seen := make(map[dedupKey]struct{}, len(items))
	out := make([]ContextItem, 0, len(items))
	for _, it := range items {
		k := it.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

func (a *Assembler) compositeScore(it ContextItem) float64 {
	weight := a.sourceWeight[it.Source]
	if weight == 0 {
		weight = 1.0
	}
	return it.Score * weight * a.recencyDecay(it.CreatedAt)
}

func (a *Assembler) recencyDecay(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 1.0
	}
	age := time.Since(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, float64(age)/float64(a.halfLife))
}

func (a *Assembler) sortByCompositeScore(items []ContextItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return a.compositeScore(items[i]) > a.compositeScore(items[j])
	})
}

// fill walks items in ranked order, appending each one's rendered content
// to the markdown block until the next item would exceed maxTokens. Items
// past that point are dropped rather than skipped-and-continued, so the
// output is always a prefix of the ranked list.
func fill(items []ContextItem, maxTokens int) *Result {
	var sb strings.Builder
	used := 0
	included := 0
	for _, it := range items {
		tokens := (len(it.Content) + charsPerToken - 1) / charsPerToken
		if used+tokens > maxTokens {
			break
		}
		sb.WriteString(it.Content)
		sb.WriteString("\n\n")
		used += tokens
		included++
	}
	return &Result{Markdown: sb.String(), ItemsIncluded: included, TokensUsed: used}
}
