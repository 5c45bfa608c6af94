package cluster

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/emmilco/clams-sub000/internal/embed"
	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/ghap"
	"github.com/emmilco/clams-sub000/internal/store"
)

// Distiller runs clustering over live resolved GHAP experiences for one
// domain/axis pair, persists every surviving cluster as a Cluster row, and
// promotes the clusters that clear the promotion threshold into distilled
// Values. It is the one caller of Cluster that
// owns the live-data path (re-embedding, persistence); Cluster itself stays
// a pure function of already-embedded points.
type Distiller struct {
	meta    store.MetadataStore
	vectors store.VectorStore
	embeds  *embed.Registry
	opts    Options
}

// NewDistiller builds a Distiller over the given stores and embedding
// registry, using opts for every Distill call (zero value resolves to the
// fixed min_cluster_size=5/min_samples=3 defaults).
func NewDistiller(meta store.MetadataStore, vectors store.VectorStore, embeds *embed.Registry, opts Options) *Distiller {
	return &Distiller{meta: meta, vectors: vectors, embeds: embeds, opts: opts}
}

// DistillResult is what one Distill call produced: the clusters persisted
// and the values promoted from them.
type DistillResult struct {
	Clusters []*store.Cluster
	Values   []*store.Value
}

// Distill re-embeds the axis text of every resolved entry in domain,
// clusters them, persists one Cluster row per surviving cluster, and
// promotes a cluster into a Value only if its representative member's
// cosine similarity to the centroid clears mean(member_similarities) +
// 0.5*stddev(member_similarities) — a cluster that is dense but whose best
// representative still sits near the edge of the group isn't a confident
// enough lesson to surface. Returns amerrors.InsufficientDataError
// (translated by callers to "insufficient_data") when fewer entries exist
// than the resolved min_cluster_size.
func (d *Distiller) Distill(ctx context.Context, domain store.GhapDomain, axis store.Axis) (*DistillResult, error) {
	entries, err := d.meta.ListResolvedGhapEntries(ctx, domain)
	if err != nil {
		return nil, amerrors.StorageError("list resolved ghap entries", err)
	}
	entries = filterAxisApplicable(entries, axis)

	points, byID, err := d.embedPoints(ctx, entries, axis)
	if err != nil {
		return nil, err
	}
	vectorByID := make(map[string][]float32, len(points))
	for _, p := range points {
		vectorByID[p.GhapID] = p.Vector
	}

	results, err := Cluster(points, d.opts)
	if err != nil {
		if err == ErrInsufficientData {
			return nil, amerrors.InsufficientDataError(
				fmt.Sprintf("need at least %d resolved %s entries to cluster, have %d",
					ResolveOptions(len(points), d.opts).MinClusterSize, domain, len(points)), err)
		}
		return nil, amerrors.InternalError("cluster axis points", err)
	}

	out := &DistillResult{}
	for _, r := range results {
		cluster := &store.Cluster{
			ID:        uuid.NewString(),
			Axis:      axis,
			Centroid:  r.Centroid,
			MemberIDs: r.Members,
			Tier:      dominantTier(r.Members, byID),
			Stability: r.Stability,
			CreatedAt: time.Now(),
		}
		if err := d.meta.SaveCluster(ctx, cluster); err != nil {
			return nil, amerrors.StorageError("save cluster", err)
		}
		out.Clusters = append(out.Clusters, cluster)

		memberID := dominantMember(r.Members, byID)
		threshold, representativeSim := promotionThreshold(r.Members, r.Centroid, vectorByID, memberID)
		if representativeSim < threshold {
			continue
		}

		confidence := confidenceFor(r.Members, byID)
		value, err := d.promote(ctx, axis, cluster, confidence, representativeSim, memberID, byID)
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, value)
	}

	return out, nil
}

// promotionThreshold computes mean(member_similarities) +
// 0.5*stddev(member_similarities), where each member's similarity is its
// embedding's cosine similarity to the cluster centroid, and returns that
// threshold alongside the representative member's own similarity.
func promotionThreshold(members []string, centroid []float32, vectorByID map[string][]float32, representative string) (threshold, representativeSim float64) {
	sims := make([]float64, 0, len(members))
	for _, id := range members {
		vec, ok := vectorByID[id]
		if !ok {
			continue
		}
		sim := cosineSimilarity(vec, centroid)
		sims = append(sims, sim)
		if id == representative {
			representativeSim = sim
		}
	}
	if len(sims) == 0 {
		return 0, representativeSim
	}

	var sum float64
	for _, s := range sims {
		sum += s
	}
	mean := sum / float64(len(sims))

	var variance float64
	for _, s := range sims {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(sims))
	stddev := math.Sqrt(variance)

	return mean + 0.5*stddev, representativeSim
}

// embedPoints renders and embeds one axis's text for every entry, using the
// semantic embedder (the same role internal/search uses for every
// non-code domain).
func (d *Distiller) embedPoints(ctx context.Context, entries []*store.GhapEntry, axis store.Axis) ([]Point, map[string]*store.GhapEntry, error) {
	byID := make(map[string]*store.GhapEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	embedder, err := d.embeds.Get(ctx, embed.RoleSemantic)
	if err != nil {
		return nil, nil, amerrors.InternalError("acquire semantic embedder", err)
	}

	points := make([]Point, 0, len(entries))
	for _, e := range entries {
		text := ghap.RenderAxisText(e, axis)
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return nil, nil, amerrors.Wrap(amerrors.ErrCodeEmbeddingFailed, err)
		}
		points = append(points, Point{GhapID: e.ID, Tier: e.Tier, Vector: vec})
	}
	return points, byID, nil
}

// filterAxisApplicable narrows entries to the ones an axis actually applies
// to: surprise and root_cause axes are only ever rendered for falsified
// outcomes (see ghap.RenderAxisText's callers), so clustering either on
// entries without that data would cluster empty/placeholder text.
func filterAxisApplicable(entries []*store.GhapEntry, axis store.Axis) []*store.GhapEntry {
	if axis != store.AxisSurprise && axis != store.AxisRootCause {
		return entries
	}
	out := make([]*store.GhapEntry, 0, len(entries))
	for _, e := range entries {
		if e.Outcome == store.OutcomeFalsified {
			out = append(out, e)
		}
	}
	return out
}

func dominantTier(members []string, byID map[string]*store.GhapEntry) store.ConfidenceTier {
	best := store.TierAbandoned
	bestWeight := -1.0
	for _, id := range members {
		e, ok := byID[id]
		if !ok {
			continue
		}
		if w := TierWeights[e.Tier]; w > bestWeight {
			bestWeight = w
			best = e.Tier
		}
	}
	return best
}

func confidenceFor(members []string, byID map[string]*store.GhapEntry) float64 {
	if len(members) == 0 {
		return 0
	}
	var total float64
	for _, id := range members {
		e, ok := byID[id]
		if !ok {
			continue
		}
		total += TierWeights[e.Tier]
	}
	confidence := total / float64(len(members))
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// promote synthesizes a Value statement from the cluster's highest-tier
// member, persists it, and indexes it into the values collection so
// internal/search.Engine.SearchValues can find it immediately.
func (d *Distiller) promote(ctx context.Context, axis store.Axis, cl *store.Cluster, confidence, similarityToCentroid float64, representativeID string, byID map[string]*store.GhapEntry) (*store.Value, error) {
	representative := byID[representativeID]
	statement := synthesizeStatement(representative, len(cl.MemberIDs))

	value := &store.Value{
		ID:                   uuid.NewString(),
		Axis:                 axis,
		ClusterID:            cl.ID,
		Statement:            statement,
		SimilarityToCentroid: similarityToCentroid,
		Confidence:           confidence,
		SupportSize:          len(cl.MemberIDs),
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	if err := d.meta.SaveValue(ctx, value); err != nil {
		return nil, amerrors.StorageError("save value", err)
	}

	embedder, err := d.embeds.Get(ctx, embed.RoleSemantic)
	if err != nil {
		return nil, amerrors.InternalError("acquire semantic embedder", err)
	}
	vec, err := embedder.Embed(ctx, statement)
	if err != nil {
		return nil, amerrors.Wrap(amerrors.ErrCodeEmbeddingFailed, err)
	}
	if err := d.vectors.EnsureCollection(ctx, store.CollectionValues, store.DefaultVectorStoreConfig(len(vec))); err != nil {
		return nil, amerrors.StorageError("ensure values collection", err)
	}
	if err := d.vectors.Add(ctx, store.CollectionValues, []string{value.ID}, [][]float32{vec}, []map[string]string{{}}); err != nil {
		return nil, amerrors.StorageError("index value", err)
	}

	return value, nil
}

func dominantMember(members []string, byID map[string]*store.GhapEntry) string {
	best := members[0]
	bestWeight := -1.0
	for _, id := range members {
		e, ok := byID[id]
		if !ok {
			continue
		}
		if w := TierWeights[e.Tier]; w > bestWeight {
			bestWeight = w
			best = id
		}
	}
	return best
}

func synthesizeStatement(e *store.GhapEntry, supportSize int) string {
	if e == nil {
		return "no representative experience available"
	}
	return fmt.Sprintf(
		"In %s problems, applying %s toward %q tends to succeed (observed across %d related experiences; representative outcome: %s).",
		e.Domain, e.Strategy, e.Goal, supportSize, e.Outcome,
	)
}
