// Package cluster implements density-based clustering of resolved GHAP
// experiences into reusable strategy groups, one axis at a time.
package cluster

import "github.com/emmilco/clams-sub000/internal/store"

// TierWeights resolves the bronze/silver Open Question as a fixed constant
// table: each outcome tier contributes a fixed weight to a cluster's
// tier-weighted centroid rather than a continuous, learned score.
var TierWeights = map[store.ConfidenceTier]float64{
	store.TierGold:      1.0,
	store.TierSilver:    0.75,
	store.TierBronze:    0.45,
	store.TierAbandoned: 0.2,
}
