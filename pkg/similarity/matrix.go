// Package similarity computes pairwise similarity over embedding vectors and
// groups them with density-based clustering.
package similarity

import (
	"context"
	"fmt"
	"runtime"

	"github.com/hupe1980/vecgo/distance"
	"golang.org/x/sync/errgroup"
)

// Matrix is a dense, row-major n×n matrix.
type Matrix struct {
	Data []float32
	N    int
}

// NewMatrix allocates a zeroed n×n matrix.
func NewMatrix(n int) *Matrix {
	return &Matrix{N: n, Data: make([]float32, n*n)}
}

// At returns the entry at row i, column j.
func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.N+j]
}

// Row returns row i as a slice backed by the matrix.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.N : (i+1)*m.N]
}

func (m *Matrix) set(i, j int, v float32) {
	m.Data[i*m.N+j] = v
}

// CosineMatrix returns S = E·Eᵗ for L2-normalized rows of E, so every entry
// is the cosine similarity of two vectors. Rows are computed in parallel; the
// upper triangle is mirrored into the lower one.
func CosineMatrix(ctx context.Context, vectors [][]float32) (*Matrix, error) {
	n := len(vectors)
	m := NewMatrix(n)
	if n == 0 {
		return m, nil
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := i; j < n; j++ {
				s := distance.Dot(vectors[i], vectors[j])
				m.set(i, j, s)
				m.set(j, i, s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute similarity matrix: %w", err)
	}
	return m, nil
}

// DistanceMatrix converts a similarity matrix into D = clip(1 − S, 0, 2)
// with an exact zero diagonal. sim is left untouched.
func DistanceMatrix(sim *Matrix) *Matrix {
	d := &Matrix{N: sim.N, Data: append([]float32(nil), sim.Data...)}
	return DistanceMatrixInPlace(d)
}

// DistanceMatrixInPlace is DistanceMatrix without the copy: it overwrites m
// with distances and returns it.
func DistanceMatrixInPlace(m *Matrix) *Matrix {
	for i := 0; i < m.N; i++ {
		row := m.Row(i)
		for j := range row {
			if i == j {
				row[j] = 0
				continue
			}
			row[j] = clip(1-row[j], 0, 2)
		}
	}
	return m
}

func clip(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
