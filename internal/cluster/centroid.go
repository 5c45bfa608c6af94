package cluster

import "math"

// Centroid computes a cluster's tier-weighted mean vector, then
// L2-normalizes it: gold-tier members pull the centroid harder than
// bronze or abandoned ones, per TierWeights, but the result is always a
// unit vector so downstream cosine similarity against it behaves the same
// as against any embedded point.
func Centroid(points []Point) []float32 {
	if len(points) == 0 {
		return nil
	}

	dims := len(points[0].Vector)
	sum := make([]float64, dims)
	var totalWeight float64

	for _, p := range points {
		w, ok := TierWeights[p.Tier]
		if !ok {
			w = TierWeights["bronze"]
		}
		totalWeight += w
		for i, v := range p.Vector {
			sum[i] += w * float64(v)
		}
	}

	if totalWeight == 0 {
		totalWeight = float64(len(points))
	}

	centroid := make([]float32, dims)
	var norm float64
	for i := range sum {
		v := sum[i] / totalWeight
		centroid[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return centroid
	}
	for i := range centroid {
		centroid[i] = float32(float64(centroid[i]) / norm)
	}
	return centroid
}
