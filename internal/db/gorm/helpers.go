package gorm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/thebtf/stepcluster/pkg/models"
)

var (
	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrClusterNotFound is returned when a cluster id does not exist in a run.
	ErrClusterNotFound = errors.New("cluster not found")
)

// PersistenceError wraps a failed write of clustering results.
type PersistenceError struct {
	Err error
	Op  string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ParseLimitParam parses the "limit" query parameter from an HTTP request.
// Returns defaultLimit if the parameter is missing or invalid.
func ParseLimitParam(r *http.Request, defaultLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultLimit
}

// ParseRunIDParam parses the optional "run_id" query parameter. Zero means the current run.
func ParseRunIDParam(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("run_id")
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid run_id %q", v)
	}
	return id, nil
}

func toModelRun(r *ClusterRun) models.Run {
	run := models.Run{
		ID:             r.ID,
		StartedAt:      time.UnixMilli(r.StartedAtEpoch).UTC(),
		BackendKind:    r.BackendKind,
		BackendName:    r.BackendName,
		Threshold:      r.Threshold,
		TotalSteps:     r.TotalSteps,
		TotalClusters:  r.TotalClusters,
		NoiseCount:     r.NoiseCount,
		ElapsedSeconds: r.ElapsedSeconds,
		IsCurrent:      r.IsCurrent,
	}
	if len(r.Params) > 0 {
		run.Params = map[string]any(r.Params)
	}
	return run
}

func toModelRuns(rows []ClusterRun) []models.Run {
	out := make([]models.Run, 0, len(rows))
	for i := range rows {
		out = append(out, toModelRun(&rows[i]))
	}
	return out
}

func toModelSummaries(rows []ClusterSummary) []models.ClusterSummary {
	out := make([]models.ClusterSummary, 0, len(rows))
	for _, s := range rows {
		out = append(out, models.ClusterSummary{
			RunID:     s.RunID,
			ClusterID: s.ClusterID,
			Label:     s.Label,
			StepCount: s.StepCount,
			CaseCount: s.CaseCount,
			Threshold: s.Threshold,
		})
	}
	return out
}
