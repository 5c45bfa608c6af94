// Package cluster implements density-based clustering of resolved GHAP
// experiences into reusable strategy groups, one axis at a time.
package cluster

import "math"

// lambdaEpsilon avoids division by zero when two points coincide exactly
// (mutual reachability distance 0), which would otherwise make lambda
// infinite.
const lambdaEpsilon = 1e-9

// Cluster runs HDBSCAN-flavored density clustering over one axis's
// embedded points: mutual-reachability distance over cosine, a
// single-linkage merge tree condensed by min_cluster_size, and leaf-cluster
// extraction with a stability score per cluster. Returns
// ErrInsufficientData if fewer points are supplied than the resolved
// min_cluster_size.
func Cluster(points []Point, opts Options) ([]Result, error) {
	resolved := ResolveOptions(len(points), opts)
	if len(points) < resolved.MinClusterSize {
		return nil, ErrInsufficientData
	}

	sorted := sortedByGhapID(points)
	n := len(sorted)

	mrd := mutualReachabilityMatrix(sorted, resolved.MinSamples)
	edges := primMST(mrd, n)
	tree := buildMergeTree(edges, n)

	b := newBuildState(tree, n, resolved.MinClusterSize)
	b.condense(len(tree)-1, 0)

	return b.results(sorted), nil
}

// cosineDistance is 1 minus cosine similarity, clamped to [0, 2].
func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}

// cosineSimilarity is the cosine of the angle between a and b, clamped to
// [-1, 1]. A zero vector has no direction, so it's defined as dissimilar
// (0) to everything rather than producing NaN.
func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return cos
}

// mutualReachabilityMatrix computes, for every pair, max(core(i), core(j),
// dist(i,j)), where core(i) is i's distance to its min_samples-th nearest
// neighbor.
func mutualReachabilityMatrix(points []Point, minSamples int) [][]float64 {
	n := len(points)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := cosineDistance(points[i].Vector, points[j].Vector)
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	core := make([]float64, n)
	k := minSamples
	if k > n-1 {
		k = n - 1
	}
	for i := 0; i < n; i++ {
		neighbors := make([]float64, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				neighbors = append(neighbors, dist[i][j])
			}
		}
		core[i] = kthSmallest(neighbors, k)
	}

	mrd := make([][]float64, n)
	for i := range mrd {
		mrd[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := dist[i][j]
			if core[i] > d {
				d = core[i]
			}
			if core[j] > d {
				d = core[j]
			}
			mrd[i][j] = d
			mrd[j][i] = d
		}
	}
	return mrd
}

func kthSmallest(values []float64, k int) float64 {
	if k <= 0 || len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > v {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[k-1]
}

type mstEdge struct {
	u, v   int
	weight float64
}

// primMST builds a minimum spanning tree over the mutual-reachability
// graph using Prim's algorithm, breaking ties on the lower node index so
// the result is deterministic given the points' sorted order.
func primMST(mrd [][]float64, n int) []mstEdge {
	if n <= 1 {
		return nil
	}

	inTree := make([]bool, n)
	minEdge := make([]float64, n)
	minFrom := make([]int, n)
	for i := range minEdge {
		minEdge[i] = math.Inf(1)
		minFrom[i] = -1
	}

	inTree[0] = true
	for j := 1; j < n; j++ {
		minEdge[j] = mrd[0][j]
		minFrom[j] = 0
	}

	edges := make([]mstEdge, 0, n-1)
	for len(edges) < n-1 {
		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			if next == -1 || minEdge[j] < minEdge[next] || (minEdge[j] == minEdge[next] && j < next) {
				next = j
			}
		}
		if next == -1 {
			break
		}
		inTree[next] = true
		edges = append(edges, mstEdge{u: minFrom[next], v: next, weight: minEdge[next]})

		for j := 0; j < n; j++ {
			if !inTree[j] && mrd[next][j] < minEdge[j] {
				minEdge[j] = mrd[next][j]
				minFrom[j] = next
			}
		}
	}
	return edges
}

// treeNode is either a leaf (a point, left == -1) or an internal merge of
// two earlier nodes at a given mutual-reachability distance.
type treeNode struct {
	left, right int
	distance    float64
	size        int
	point       int
}

// buildMergeTree turns MST edges, sorted ascending by weight, into a
// single-linkage binary merge tree: n leaves followed by n-1 internal
// nodes in merge order.
func buildMergeTree(edges []mstEdge, n int) []treeNode {
	sortEdgesByWeight(edges)

	nodes := make([]treeNode, n, n+len(edges))
	for i := 0; i < n; i++ {
		nodes[i] = treeNode{left: -1, right: -1, size: 1, point: i}
	}

	parent := make([]int, n)
	clusterNode := make([]int, n)
	for i := range parent {
		parent[i] = i
		clusterNode[i] = i
	}

	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for _, e := range edges {
		ru, rv := find(e.u), find(e.v)
		if ru == rv {
			continue
		}
		leftNode, rightNode := clusterNode[ru], clusterNode[rv]
		newID := len(nodes)
		nodes = append(nodes, treeNode{
			left:     leftNode,
			right:    rightNode,
			distance: e.weight,
			size:     nodes[leftNode].size + nodes[rightNode].size,
			point:    -1,
		})
		parent[ru] = rv
		clusterNode[rv] = newID
	}
	return nodes
}

func sortEdgesByWeight(edges []mstEdge) {
	for i := 1; i < len(edges); i++ {
		e := edges[i]
		j := i - 1
		for j >= 0 && (edges[j].weight > e.weight || (edges[j].weight == e.weight && edges[j].u > e.u)) {
			edges[j+1] = edges[j]
			j--
		}
		edges[j+1] = e
	}
}

// buildState condenses the merge tree by min_cluster_size and accumulates
// each surviving cluster's stability and membership.
type buildState struct {
	nodes          []treeNode
	minClusterSize int
	nextClusterID  int
	clusterBirth   map[int]float64
	stability      map[int]float64
	assignment     map[int]int // point index -> cluster id, or -1 for noise
}

func newBuildState(nodes []treeNode, n, minClusterSize int) *buildState {
	b := &buildState{
		nodes:          nodes,
		minClusterSize: minClusterSize,
		nextClusterID:  1,
		clusterBirth:   map[int]float64{0: 0},
		stability:      map[int]float64{},
		assignment:     make(map[int]int, n),
	}
	return b
}

func toLambda(distance float64) float64 {
	return 1 / (distance + lambdaEpsilon)
}

func (b *buildState) newCluster(birthLambda float64) int {
	id := b.nextClusterID
	b.nextClusterID++
	b.clusterBirth[id] = birthLambda
	return id
}

// condense walks the merge tree top-down starting from the root, deciding
// at each internal node whether it is a true split (both sides at least
// min_cluster_size, so each side becomes its own cluster), a partial
// shrink (the smaller side falls out as noise, the cluster persists under
// the larger side), or a leaf (both sides too small to split further, so
// the cluster ends here and keeps every point under this node).
func (b *buildState) condense(nodeID, clusterID int) {
	node := b.nodes[nodeID]
	if node.left == -1 {
		b.assignment[node.point] = clusterID
		return
	}

	lambda := toLambda(node.distance)
	leftSize := b.nodes[node.left].size
	rightSize := b.nodes[node.right].size

	switch {
	case leftSize < b.minClusterSize && rightSize < b.minClusterSize:
		b.closeSubtree(node.left, clusterID, lambda)
		b.closeSubtree(node.right, clusterID, lambda)
		b.walkLeaves(nodeID, func(point int) {
			b.assignment[point] = clusterID
		})
	case leftSize < b.minClusterSize:
		b.loseSubtree(node.left, clusterID, lambda)
		b.condense(node.right, clusterID)
	case rightSize < b.minClusterSize:
		b.loseSubtree(node.right, clusterID, lambda)
		b.condense(node.left, clusterID)
	default:
		b.closeSubtree(node.left, clusterID, lambda)
		b.closeSubtree(node.right, clusterID, lambda)
		leftID := b.newCluster(lambda)
		rightID := b.newCluster(lambda)
		b.condense(node.left, leftID)
		b.condense(node.right, rightID)
	}
}

// loseSubtree marks every point under a node as noise, crediting their
// membership in clusterID up to lambda.
func (b *buildState) loseSubtree(nodeID, clusterID int, lambda float64) {
	count := b.nodes[nodeID].size
	b.stability[clusterID] += float64(count) * (lambda - b.clusterBirth[clusterID])
	b.walkLeaves(nodeID, func(point int) {
		b.assignment[point] = -1
	})
}

// closeSubtree credits a subtree's points' membership in the parent
// cluster up to lambda, without marking them noise: they continue on as
// members of a freshly created child cluster.
func (b *buildState) closeSubtree(nodeID, clusterID int, lambda float64) {
	count := b.nodes[nodeID].size
	b.stability[clusterID] += float64(count) * (lambda - b.clusterBirth[clusterID])
}

func (b *buildState) walkLeaves(nodeID int, fn func(point int)) {
	node := b.nodes[nodeID]
	if node.left == -1 {
		fn(node.point)
		return
	}
	b.walkLeaves(node.left, fn)
	b.walkLeaves(node.right, fn)
}

// results assembles the final flat clustering: one Result per cluster ID
// with at least one assigned point, each with its tier-weighted centroid.
func (b *buildState) results(points []Point) []Result {
	membersByCluster := make(map[int][]string)
	for pointIdx, clusterID := range b.assignment {
		if clusterID < 0 {
			continue
		}
		membersByCluster[clusterID] = append(membersByCluster[clusterID], points[pointIdx].GhapID)
	}

	ids := make([]int, 0, len(membersByCluster))
	for id := range membersByCluster {
		ids = append(ids, id)
	}
	sortInts(ids)

	byGhapID := make(map[string]Point, len(points))
	for _, p := range points {
		byGhapID[p.GhapID] = p
	}

	results := make([]Result, 0, len(ids))
	for i, id := range ids {
		members := membersByCluster[id]
		sortStrings(members)

		memberPoints := make([]Point, len(members))
		for j, ghapID := range members {
			memberPoints[j] = byGhapID[ghapID]
		}

		results = append(results, Result{
			ID:        i,
			Members:   members,
			Centroid:  Centroid(memberPoints),
			Stability: b.stability[id],
		})
	}
	return results
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}

func sortStrings(xs []string) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}
