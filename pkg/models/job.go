package models

import "time"

// JobStatus is the state of the clustering job.
type JobStatus string

const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// Phase names reported while a run is in progress.
const (
	PhasePreprocess = "preprocess"
	PhaseLoadModel  = "load_model"
	PhaseEmbedding  = "embedding"
	PhaseClustering = "clustering"
	PhaseLabels     = "labels"
	PhaseSaving     = "saving"
)

// JobResult summarizes a completed run.
type JobResult struct {
	ClusterCount   int     `json:"cluster_count"`
	NoiseCount     int     `json:"noise_count"`
	TotalSteps     int     `json:"total_steps"`
	Threshold      float64 `json:"threshold"`
	RunID          int64   `json:"run_id"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// JobState is a point-in-time snapshot of the clustering job.
type JobState struct {
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	JobID           string     `json:"job_id,omitempty"`
	Status          JobStatus  `json:"status"`
	Phase           string     `json:"phase"`
	Detail          string     `json:"detail"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	PhaseIndex      int        `json:"phase_index"`
	PhaseProgress   float64    `json:"phase_progress"`
	OverallProgress float64    `json:"overall_progress"`
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	Threshold       float64    `json:"threshold"`
}

// Progress is one progress report emitted by the cluster engine.
type Progress struct {
	Phase         string
	Detail        string
	PhaseIndex    int
	PhaseProgress float64
	Overall       float64
}
