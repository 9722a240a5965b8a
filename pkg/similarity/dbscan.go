package similarity

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/thebtf/stepcluster/pkg/models"
)

// DefaultMinPts is the neighbor count (self included) a point needs to be a core point.
const DefaultMinPts = 2

// EpsForThreshold converts a similarity threshold into a clustering radius.
func EpsForThreshold(threshold float64) float64 {
	return 1 - threshold
}

// DBSCAN clusters points over a precomputed distance matrix.
//
// Two points are neighbors when their distance is at most eps; every point is
// its own neighbor. A point with at least minPts neighbors is a core point.
// Clusters are numbered from 0 in the order their first core point appears in
// the input, and a border point reachable from several clusters joins the
// lowest-numbered one. Points in no cluster are labeled models.NoiseClusterID.
func DBSCAN(dist *Matrix, eps float64, minPts int) []int {
	n := dist.N
	labels := make([]int, n)
	for i := range labels {
		labels[i] = models.NoiseClusterID
	}
	if n == 0 {
		return labels
	}

	core := roaring.New()
	for i := 0; i < n; i++ {
		if len(neighbors(dist, i, eps)) >= minPts {
			core.Add(uint32(i))
		}
	}

	next := 0
	queued := roaring.New()
	for i := 0; i < n; i++ {
		if labels[i] != models.NoiseClusterID || !core.Contains(uint32(i)) {
			continue
		}

		queue := []int{i}
		queued.Add(uint32(i))
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if labels[p] != models.NoiseClusterID {
				continue
			}
			labels[p] = next
			if !core.Contains(uint32(p)) {
				continue
			}
			for _, q := range neighbors(dist, p, eps) {
				if labels[q] == models.NoiseClusterID && queued.CheckedAdd(uint32(q)) {
					queue = append(queue, q)
				}
			}
		}
		next++
	}
	return labels
}

func neighbors(dist *Matrix, i int, eps float64) []int {
	var out []int
	for j, d := range dist.Row(i) {
		if j == i || float64(d) <= eps {
			out = append(out, j)
		}
	}
	return out
}

// CountClusters returns the number of clusters and noise points in labels.
func CountClusters(labels []int) (clusters, noise int) {
	seen := make(map[int]struct{})
	for _, l := range labels {
		if models.IsNoise(l) {
			noise++
			continue
		}
		seen[l] = struct{}{}
	}
	return len(seen), noise
}
