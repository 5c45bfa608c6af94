package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emmilco/clams-sub000/internal/store"
)

func unit(x, y float32) []float32 { return []float32{x, y} }

func TestCluster_InsufficientData(t *testing.T) {
	points := []Point{
		{GhapID: "a", Tier: store.TierGold, Vector: unit(1, 0)},
		{GhapID: "b", Tier: store.TierGold, Vector: unit(1, 0)},
	}
	_, err := Cluster(points, Options{MinClusterSize: 5, MinSamples: 1})
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestCluster_TwoWellSeparatedGroups(t *testing.T) {
	// Given two tight groups of points far apart in vector space
	var points []Point
	for i := 0; i < 6; i++ {
		points = append(points, Point{
			GhapID: idFor("a", i),
			Tier:   store.TierGold,
			Vector: unit(1+float32(i)*0.001, 0),
		})
	}
	for i := 0; i < 6; i++ {
		points = append(points, Point{
			GhapID: idFor("b", i),
			Tier:   store.TierGold,
			Vector: unit(0, 1+float32(i)*0.001),
		})
	}

	// When clustered with a small min_cluster_size
	results, err := Cluster(points, Options{MinClusterSize: 3, MinSamples: 2})
	require.NoError(t, err)

	// Then at least one cluster forms, each with a 2-dimensional centroid
	require.NotEmpty(t, results)
	total := 0
	for _, r := range results {
		total += len(r.Members)
		require.NotNil(t, r.Centroid)
		require.Len(t, r.Centroid, 2)
	}
	require.Greater(t, total, 0)
}

func TestCluster_Deterministic(t *testing.T) {
	var points []Point
	for i := 0; i < 10; i++ {
		points = append(points, Point{
			GhapID: idFor("p", i),
			Tier:   store.TierSilver,
			Vector: unit(float32(i%3), float32((i+1)%3)),
		})
	}

	r1, err := Cluster(points, Options{MinClusterSize: 3, MinSamples: 2})
	require.NoError(t, err)
	r2, err := Cluster(points, Options{MinClusterSize: 3, MinSamples: 2})
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

func TestResolveOptions_FixedDefaults(t *testing.T) {
	opts := ResolveOptions(100, Options{})
	require.Equal(t, 5, opts.MinClusterSize)
	require.Equal(t, 3, opts.MinSamples)
}

func TestResolveOptions_Adaptive(t *testing.T) {
	opts := ResolveOptions(16, Options{Adaptive: true})
	require.GreaterOrEqual(t, opts.MinClusterSize, 3)
	require.Equal(t, 1, opts.MinSamples)
}

func TestResolveOptions_CallerOverride(t *testing.T) {
	opts := ResolveOptions(100, Options{MinClusterSize: 10, MinSamples: 4})
	require.Equal(t, 10, opts.MinClusterSize)
	require.Equal(t, 4, opts.MinSamples)
}

func TestCentroid_TierWeightedAndNormalized(t *testing.T) {
	points := []Point{
		{GhapID: "a", Tier: store.TierGold, Vector: unit(1, 0)},
		{GhapID: "b", Tier: store.TierAbandoned, Vector: unit(0, 1)},
	}
	centroid := Centroid(points)
	require.Len(t, centroid, 2)

	var norm float64
	for _, v := range centroid {
		norm += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, norm, 1e-6)

	// Gold (weight 1.0) should dominate over abandoned (weight 0.2).
	require.Greater(t, centroid[0], centroid[1])
}

func TestCentroid_Empty(t *testing.T) {
	require.Nil(t, Centroid(nil))
}

func idFor(prefix string, i int) string {
	return prefix + string(rune('0'+i))
}
