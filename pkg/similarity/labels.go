package similarity

import (
	"sort"

	"github.com/hupe1980/vecgo/distance"

	"github.com/thebtf/stepcluster/pkg/models"
)

// Cluster is one non-noise cluster with its representative member.
type Cluster struct {
	Label          string
	Members        []int
	ID             int
	Representative int
}

// ExtractLabels picks a representative text for every non-noise cluster.
//
// The representative is the member closest (by cosine similarity) to the
// re-normalized centroid of the cluster; ties go to the member that appears
// first in the input. Clusters are returned ordered by id.
func ExtractLabels(vectors [][]float32, labels []int, texts []string) []Cluster {
	byID := make(map[int][]int)
	for i, l := range labels {
		if models.IsNoise(l) {
			continue
		}
		byID[l] = append(byID[l], i)
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	clusters := make([]Cluster, 0, len(ids))
	for _, id := range ids {
		members := byID[id]
		rep := representative(vectors, members)
		clusters = append(clusters, Cluster{
			ID:             id,
			Members:        members,
			Representative: rep,
			Label:          texts[rep],
		})
	}
	return clusters
}

func representative(vectors [][]float32, members []int) int {
	centroid := make([]float32, len(vectors[members[0]]))
	for _, m := range members {
		for k, x := range vectors[m] {
			centroid[k] += x
		}
	}
	inv := 1 / float32(len(members))
	for k := range centroid {
		centroid[k] *= inv
	}
	// a zero centroid scores every member 0; the first one wins
	distance.NormalizeL2InPlace(centroid)

	best := members[0]
	bestScore := distance.Dot(vectors[best], centroid)
	for _, m := range members[1:] {
		if s := distance.Dot(vectors[m], centroid); s > bestScore {
			best, bestScore = m, s
		}
	}
	return best
}
