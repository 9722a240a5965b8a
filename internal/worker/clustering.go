// Package worker runs clustering jobs and serves the HTTP API over their results.
package worker

import (
	"time"

	"github.com/thebtf/stepcluster/internal/cluster"
	gormdb "github.com/thebtf/stepcluster/internal/db/gorm"
	"github.com/thebtf/stepcluster/internal/embedding"
	"github.com/thebtf/stepcluster/pkg/models"
	"github.com/thebtf/stepcluster/pkg/similarity"
)

// runRecord turns an engine result into the rows persisted for the run.
func runRecord(res *cluster.Result, kind embedding.Kind, batchSize int, startedAt time.Time, elapsed time.Duration) gormdb.RunRecord {
	rec := gormdb.RunRecord{
		Run: models.Run{
			StartedAt:      startedAt,
			BackendKind:    string(kind),
			BackendName:    res.BackendName,
			Threshold:      res.Threshold,
			TotalSteps:     res.TotalSteps,
			TotalClusters:  res.ClusterCount,
			NoiseCount:     res.NoiseCount,
			ElapsedSeconds: elapsed.Seconds(),
			Params: map[string]any{
				"eps":          similarity.EpsForThreshold(res.Threshold),
				"min_pts":      similarity.DefaultMinPts,
				"batch_size":   batchSize,
				"backend_kind": string(kind),
			},
		},
		Assignments: make([]models.ClusterAssignment, 0, len(res.Assignments)),
		Summaries:   make([]models.ClusterSummary, 0, len(res.Summaries)),
	}
	for _, a := range res.Assignments {
		rec.Assignments = append(rec.Assignments, models.ClusterAssignment{
			StepID:    a.StepID,
			ClusterID: a.ClusterID,
			Label:     a.Label,
			Threshold: res.Threshold,
		})
	}
	for _, s := range res.Summaries {
		rec.Summaries = append(rec.Summaries, models.ClusterSummary{
			ClusterID: s.ClusterID,
			Label:     s.Label,
			StepCount: s.StepCount,
			CaseCount: s.CaseCount,
			Threshold: res.Threshold,
		})
	}
	return rec
}
