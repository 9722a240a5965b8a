// Package cluster runs the step clustering pipeline: normalize, embed,
// compare, cluster and label.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/stepcluster/internal/embedding"
	"github.com/thebtf/stepcluster/pkg/models"
	"github.com/thebtf/stepcluster/pkg/similarity"
	"github.com/thebtf/stepcluster/pkg/textnorm"
)

// Assignment is the cluster a step landed in. Noise has an empty label.
type Assignment struct {
	CaseID    string
	Label     string
	StepID    int64
	ClusterID int
}

// Summary describes one non-noise cluster.
type Summary struct {
	Label     string
	ClusterID int
	StepCount int
	CaseCount int
}

// Result is the outcome of one pipeline run.
type Result struct {
	BackendName  string
	Assignments  []Assignment
	Summaries    []Summary
	Threshold    float64
	TotalSteps   int
	ClusterCount int
	NoiseCount   int
	Elapsed      time.Duration
}

// Engine runs the clustering pipeline. It holds no per-run state.
type Engine struct {
	batchSize int
	minPts    int
}

// NewEngine returns an engine that encodes batchSize texts per backend call.
func NewEngine(batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = embedding.DefaultBatchSize
	}
	return &Engine{batchSize: batchSize, minPts: similarity.DefaultMinPts}
}

// Run clusters steps at the given similarity threshold. With no steps it
// returns an empty result without touching the backend.
func (e *Engine) Run(ctx context.Context, steps []models.Step, threshold float64, backend embedding.Backend, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	res := &Result{
		Threshold:   threshold,
		TotalSteps:  len(steps),
		Assignments: []Assignment{},
		Summaries:   []Summary{},
	}
	if len(steps) == 0 {
		return res, nil
	}
	p := &reporter{fn: onProgress}
	n := len(steps)

	p.report(models.PhasePreprocess, 0, fmt.Sprintf("Normalizing %d steps", n))
	texts := make([]string, n)
	for i, s := range steps {
		texts[i] = textnorm.Normalize(s.Text)
	}
	p.report(models.PhasePreprocess, 100, fmt.Sprintf("Normalized %d steps", n))

	p.report(models.PhaseLoadModel, 0, "Loading embedding model")
	if l, ok := backend.(embedding.Loader); ok {
		if err := l.Load(ctx); err != nil {
			return nil, fmt.Errorf("load embedding model: %w", err)
		}
	}
	if f, ok := backend.(embedding.Fitter); ok {
		if err := f.Fit(ctx, texts); err != nil {
			return nil, fmt.Errorf("fit embedding model: %w", err)
		}
	}
	res.BackendName = backend.Name()
	p.report(models.PhaseLoadModel, 100, res.BackendName)

	vectors, err := e.encode(ctx, backend, texts, p)
	if err != nil {
		return nil, err
	}

	p.report(models.PhaseClustering, 0, "Computing similarity matrix")
	sim, err := similarity.CosineMatrix(ctx, vectors)
	if err != nil {
		return nil, err
	}
	p.report(models.PhaseClustering, 50, "Running density clustering")
	// sim is not needed after this point
	labels := similarity.DBSCAN(similarity.DistanceMatrixInPlace(sim), similarity.EpsForThreshold(threshold), e.minPts)
	res.ClusterCount, res.NoiseCount = similarity.CountClusters(labels)
	p.report(models.PhaseClustering, 100, fmt.Sprintf("Found %d clusters, %d noise steps", res.ClusterCount, res.NoiseCount))

	p.report(models.PhaseLabels, 0, "Extracting cluster labels")
	clusters := similarity.ExtractLabels(vectors, labels, texts)
	labelByID := make(map[int]string, len(clusters))
	for _, c := range clusters {
		labelByID[c.ID] = c.Label
		cases := make(map[string]struct{})
		for _, m := range c.Members {
			cases[steps[m].CaseID] = struct{}{}
		}
		res.Summaries = append(res.Summaries, Summary{
			ClusterID: c.ID,
			Label:     c.Label,
			StepCount: len(c.Members),
			CaseCount: len(cases),
		})
	}
	for i, s := range steps {
		res.Assignments = append(res.Assignments, Assignment{
			StepID:    s.ID,
			CaseID:    s.CaseID,
			ClusterID: labels[i],
			Label:     labelByID[labels[i]],
		})
	}
	p.report(models.PhaseLabels, 100, fmt.Sprintf("Labeled %d clusters", len(clusters)))

	res.Elapsed = time.Since(start)
	log.Info().
		Int("clusters", res.ClusterCount).
		Int("noise", res.NoiseCount).
		Float64("threshold", threshold).
		Dur("elapsed", res.Elapsed).
		Msg("Clustering done")
	return res, nil
}

// encode embeds the non-empty texts batch by batch. Empty texts get zero rows.
func (e *Engine) encode(ctx context.Context, backend embedding.Backend, texts []string, p *reporter) ([][]float32, error) {
	var idx []int
	for i, t := range texts {
		if t != "" {
			idx = append(idx, i)
		}
	}

	vectors := make([][]float32, len(texts))
	p.report(models.PhaseEmbedding, 0, fmt.Sprintf("Encoding %d steps", len(idx)))
	dim := 0
	for start := 0; start < len(idx); start += e.batchSize {
		end := min(start+e.batchSize, len(idx))
		batch := make([]string, 0, end-start)
		for _, i := range idx[start:end] {
			batch = append(batch, texts[i])
		}

		rows, err := backend.Encode(ctx, batch, e.batchSize)
		if err != nil {
			return nil, fmt.Errorf("encode steps: %w", err)
		}
		if len(rows) != len(batch) {
			return nil, fmt.Errorf("encode steps: backend returned %d rows for %d texts", len(rows), len(batch))
		}
		for k, i := range idx[start:end] {
			vectors[i] = rows[k]
		}
		if dim == 0 && len(rows) > 0 {
			dim = len(rows[0])
		}
		p.report(models.PhaseEmbedding, 100*float64(end)/float64(len(idx)), fmt.Sprintf("Encoded %d/%d steps", end, len(idx)))
	}

	for i := range vectors {
		if vectors[i] == nil {
			vectors[i] = make([]float32, dim)
		}
	}
	p.report(models.PhaseEmbedding, 100, fmt.Sprintf("Encoded %d steps", len(idx)))
	return vectors, nil
}
