package cluster

import (
	"errors"
	"sort"

	"github.com/emmilco/clams-sub000/internal/store"
)

// ErrInsufficientData is returned when fewer points are supplied than the
// resolved min_cluster_size; callers translate it to a validation_error
// with the code "insufficient_data".
var ErrInsufficientData = errors.New("insufficient data for clustering")

// Point is one embedded axis value going into a clustering run: a resolved
// GHAP experience's rendered text for a single axis (strategy, surprise,
// root_cause, ...), already embedded.
type Point struct {
	GhapID string
	Tier   store.ConfidenceTier
	Vector []float32
}

// Result is one extracted cluster: its members and the tier-weighted,
// L2-normalized centroid over those members' vectors.
type Result struct {
	ID        int
	Members   []string
	Centroid  []float32
	Stability float64
}

// Options controls clustering granularity. A zero value resolves to the
// fixed defaults (min_cluster_size=5, min_samples=3); set Adaptive to size
// both from the input instead.
type Options struct {
	MinClusterSize int
	MinSamples     int
	Adaptive       bool
}

// ResolveOptions fills in defaults for any field the caller left zero. In
// fixed mode (the default) unset fields become 5/3. In adaptive mode,
// min_cluster_size scales with dataset size (max(3, min(sqrt(n), 0.03n)))
// and min_samples steps from 1 to 3 as n grows, per the sizing Open
// Question resolved for small or irregularly-sized axis populations.
func ResolveOptions(n int, opts Options) Options {
	resolved := opts

	if resolved.MinClusterSize <= 0 {
		if resolved.Adaptive {
			resolved.MinClusterSize = adaptiveMinClusterSize(n)
		} else {
			resolved.MinClusterSize = 5
		}
	}

	if resolved.MinSamples <= 0 {
		if resolved.Adaptive {
			resolved.MinSamples = adaptiveMinSamples(n)
		} else {
			resolved.MinSamples = 3
		}
	}

	return resolved
}

func adaptiveMinClusterSize(n int) int {
	sq := sqrtInt(n)
	scaled := int(0.03 * float64(n))
	size := sq
	if scaled < size {
		size = scaled
	}
	if size < 3 {
		size = 3
	}
	return size
}

func adaptiveMinSamples(n int) int {
	switch {
	case n < 20:
		return 1
	case n < 100:
		return 2
	default:
		return 3
	}
}

func sqrtInt(n int) int {
	if n <= 0 {
		return 0
	}
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if mid*mid <= n {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// sortedByGhapID returns points sorted by GhapID, so every step that could
// otherwise depend on map/slice iteration order (MST tie-breaks, merge
// ordering) runs over a fixed, reproducible sequence.
func sortedByGhapID(points []Point) []Point {
	out := make([]Point, len(points))
	copy(out, points)
	sort.Slice(out, func(i, j int) bool { return out[i].GhapID < out[j].GhapID })
	return out
}
