package similarity

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/stepcluster/pkg/models"
)

func unit(v ...float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func randomUnitVectors(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for k := range v {
			v[k] = float32(rng.NormFloat64())
		}
		out[i] = unit(v...)
	}
	return out
}

func distances(t *testing.T, vectors [][]float32) *Matrix {
	t.Helper()
	sim, err := CosineMatrix(context.Background(), vectors)
	require.NoError(t, err)
	return DistanceMatrix(sim)
}

func TestCosineMatrix_Empty(t *testing.T) {
	sim, err := CosineMatrix(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sim.N)
	assert.Empty(t, sim.Data)
}

func TestCosineMatrix_DimensionMismatch(t *testing.T) {
	_, err := CosineMatrix(context.Background(), [][]float32{{1, 0}, {1, 0, 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestCosineMatrix_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CosineMatrix(ctx, randomUnitVectors(1, 8, 4))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDistanceMatrix_Properties(t *testing.T) {
	vectors := randomUnitVectors(42, 40, 16)
	// a zero row must still produce valid distances
	vectors = append(vectors, make([]float32, 16))
	d := distances(t, vectors)

	require.Equal(t, len(vectors), d.N)
	require.Len(t, d.Data, d.N*d.N)
	for i := 0; i < d.N; i++ {
		assert.Zero(t, d.At(i, i), "diagonal %d", i)
		for j := 0; j < d.N; j++ {
			assert.Equal(t, d.At(i, j), d.At(j, i), "symmetry %d,%d", i, j)
			assert.GreaterOrEqual(t, d.At(i, j), float32(0))
			assert.LessOrEqual(t, d.At(i, j), float32(2))
		}
	}
	last := d.N - 1
	assert.InDelta(t, 1.0, d.At(0, last), 1e-6)
}

func TestDistanceMatrix_Clipping(t *testing.T) {
	sim := NewMatrix(2)
	sim.Data = []float32{1.0000002, 1.0000002, 1.0000002, 1.0000002}
	d := DistanceMatrix(sim)
	assert.Equal(t, []float32{0, 0, 0, 0}, d.Data)

	sim.Data = []float32{1, -1.5, -1.5, 1}
	d = DistanceMatrix(sim)
	assert.Equal(t, float32(2), d.At(0, 1))
}

func TestDistanceMatrixInPlace(t *testing.T) {
	sim, err := CosineMatrix(context.Background(), randomUnitVectors(7, 12, 8))
	require.NoError(t, err)
	before := append([]float32(nil), sim.Data...)

	want := DistanceMatrix(sim)
	assert.Equal(t, before, sim.Data, "DistanceMatrix must not modify its input")

	got := DistanceMatrixInPlace(sim)
	assert.Same(t, sim, got)
	assert.Equal(t, want.Data, got.Data)
}

func TestDBSCAN(t *testing.T) {
	tests := []struct {
		name     string
		vectors  [][]float32
		eps      float64
		expected []int
	}{
		{
			name:     "empty",
			vectors:  nil,
			eps:      0.2,
			expected: []int{},
		},
		{
			name:     "single point is noise",
			vectors:  [][]float32{unit(1, 0)},
			eps:      0.2,
			expected: []int{-1},
		},
		{
			name:     "identical pair",
			vectors:  [][]float32{unit(1, 0), unit(1, 0)},
			eps:      0.2,
			expected: []int{0, 0},
		},
		{
			name:     "orthogonal points are noise",
			vectors:  [][]float32{unit(1, 0, 0), unit(0, 1, 0), unit(0, 0, 1)},
			eps:      0.5,
			expected: []int{-1, -1, -1},
		},
		{
			name: "two clusters numbered by first appearance",
			vectors: [][]float32{
				unit(0, 1), unit(1, 0), unit(0.05, 1), unit(1, 0.05),
			},
			eps:      0.1,
			expected: []int{0, 1, 0, 1},
		},
		{
			name: "chain links through core points",
			vectors: [][]float32{
				unit(1, 0), unit(1, 0.3), unit(1, 0.6), unit(1, 0.9),
			},
			eps:      0.05,
			expected: []int{0, 0, 0, 0},
		},
		{
			name:     "zero vector is noise",
			vectors:  [][]float32{unit(1, 0), {0, 0}, unit(1, 0)},
			eps:      0.5,
			expected: []int{0, -1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := DBSCAN(distances(t, tt.vectors), tt.eps, DefaultMinPts)
			assert.Equal(t, tt.expected, labels)
		})
	}
}

func TestDBSCAN_NonNoiseIffHasNeighbor(t *testing.T) {
	vectors := randomUnitVectors(7, 60, 3)
	d := distances(t, vectors)
	eps := 0.05
	labels := DBSCAN(d, eps, DefaultMinPts)

	for i := 0; i < d.N; i++ {
		hasNeighbor := false
		for j := 0; j < d.N; j++ {
			if i != j && float64(d.At(i, j)) <= eps {
				hasNeighbor = true
				break
			}
		}
		assert.Equal(t, hasNeighbor, !models.IsNoise(labels[i]), "point %d", i)
	}
}

func TestDBSCAN_Deterministic(t *testing.T) {
	vectors := randomUnitVectors(11, 80, 4)
	first := DBSCAN(distances(t, vectors), 0.08, DefaultMinPts)
	second := DBSCAN(distances(t, vectors), 0.08, DefaultMinPts)
	assert.Equal(t, first, second)
}

func TestDBSCAN_ShrinkingEpsNeverGrowsClusters(t *testing.T) {
	vectors := randomUnitVectors(3, 120, 3)
	d := distances(t, vectors)

	wide := DBSCAN(d, EpsForThreshold(0.80), DefaultMinPts)
	narrow := DBSCAN(d, EpsForThreshold(0.95), DefaultMinPts)

	// every narrow cluster lies inside a single wide cluster
	parent := make(map[int]int)
	for i, l := range narrow {
		if models.IsNoise(l) {
			continue
		}
		require.False(t, models.IsNoise(wide[i]), "point %d clustered at 0.95 but noise at 0.80", i)
		if p, ok := parent[l]; ok {
			assert.Equal(t, p, wide[i])
		} else {
			parent[l] = wide[i]
		}
	}

	_, wideNoise := CountClusters(wide)
	_, narrowNoise := CountClusters(narrow)
	assert.GreaterOrEqual(t, narrowNoise, wideNoise)
}

func TestCountClusters(t *testing.T) {
	clusters, noise := CountClusters([]int{0, 0, -1, 1, 2, 2, -1, 1})
	assert.Equal(t, 3, clusters)
	assert.Equal(t, 2, noise)

	clusters, noise = CountClusters(nil)
	assert.Zero(t, clusters)
	assert.Zero(t, noise)
}

func TestEpsForThreshold(t *testing.T) {
	assert.InDelta(t, 0.2, EpsForThreshold(0.8), 1e-12)
	assert.InDelta(t, 0.05, EpsForThreshold(0.95), 1e-12)
}

func TestExtractLabels(t *testing.T) {
	vectors := [][]float32{
		unit(1, 0.2), // cluster 0, off-center
		unit(0, 1),   // noise
		unit(1, 0),   // cluster 0, nearest the centroid
		unit(1, -0.2),
		unit(0.7, 0.7), // cluster 1
		unit(0.7, 0.7),
	}
	texts := []string{"a", "noise", "b", "c", "d", "e"}
	labels := []int{0, -1, 0, 0, 1, 1}

	clusters := ExtractLabels(vectors, labels, texts)
	require.Len(t, clusters, 2)

	assert.Equal(t, 0, clusters[0].ID)
	assert.Equal(t, []int{0, 2, 3}, clusters[0].Members)
	assert.Equal(t, 2, clusters[0].Representative)
	assert.Equal(t, "b", clusters[0].Label)

	// identical members tie; the first one wins
	assert.Equal(t, 1, clusters[1].ID)
	assert.Equal(t, 4, clusters[1].Representative)
	assert.Equal(t, "d", clusters[1].Label)
}

func TestExtractLabels_LabelIsMemberText(t *testing.T) {
	vectors := randomUnitVectors(5, 50, 3)
	texts := make([]string, len(vectors))
	for i := range texts {
		texts[i] = string(rune('A' + i%26)) + string(rune('a'+i/26))
	}
	labels := DBSCAN(distances(t, vectors), 0.1, DefaultMinPts)

	for _, c := range ExtractLabels(vectors, labels, texts) {
		assert.Contains(t, c.Members, c.Representative)
		assert.Equal(t, texts[c.Representative], c.Label)
		assert.GreaterOrEqual(t, len(c.Members), DefaultMinPts)
	}
}

func TestExtractLabels_AllNoise(t *testing.T) {
	clusters := ExtractLabels([][]float32{unit(1, 0)}, []int{-1}, []string{"x"})
	assert.Empty(t, clusters)
}
