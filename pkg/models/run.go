package models

import (
	"sort"
	"time"
)

// Run is one persisted execution of the clustering pipeline.
type Run struct {
	StartedAt      time.Time      `json:"started_at"`
	Params         map[string]any `json:"params,omitempty"`
	BackendKind    string         `json:"backend_kind"`
	BackendName    string         `json:"backend_name"`
	ID             int64          `json:"id"`
	Threshold      float64        `json:"threshold"`
	TotalSteps     int            `json:"total_steps"`
	TotalClusters  int            `json:"total_clusters"`
	NoiseCount     int            `json:"noise_count"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	IsCurrent      bool           `json:"is_current"`
}

// ClusterAssignment places one step into a cluster (or noise) within a run.
type ClusterAssignment struct {
	Label     string  `json:"label"`
	StepID    int64   `json:"step_id"`
	RunID     int64   `json:"run_id"`
	ClusterID int     `json:"cluster_id"`
	Threshold float64 `json:"threshold"`
}

// ClusterSummary describes one non-noise cluster of a run.
type ClusterSummary struct {
	Label     string  `json:"label"`
	RunID     int64   `json:"run_id"`
	ClusterID int     `json:"cluster_id"`
	StepCount int     `json:"step_count"`
	CaseCount int     `json:"case_count"`
	Threshold float64 `json:"threshold"`
}

// ClusterMember is a step as listed in a cluster detail view.
type ClusterMember struct {
	CaseID    string `json:"case_id"`
	CaseTitle string `json:"case_title"`
	Text      string `json:"text"`
	StepID    int64  `json:"step_id"`
	StepNo    int    `json:"step_no"`
}

// ClusterDetail is a cluster summary together with its members.
type ClusterDetail struct {
	Summary ClusterSummary  `json:"summary"`
	Members []ClusterMember `json:"members"`
}

// SiblingStep is another member of the cluster a given step belongs to.
type SiblingStep struct {
	ClusterMember
	ClusterID int    `json:"cluster_id"`
	Label     string `json:"label"`
}

// RunDetail is a run with its cluster summaries.
type RunDetail struct {
	Run      Run              `json:"run"`
	Clusters []ClusterSummary `json:"clusters"`
}

// RunComparison is the label-level difference between two runs.
type RunComparison struct {
	Run1              Run      `json:"record1"`
	Run2              Run      `json:"record2"`
	NewLabels         []string `json:"new_labels"`
	DisappearedLabels []string `json:"disappeared_labels"`
	CommonLabels      []string `json:"common_labels"`
}

// CompareLabels splits two label sets into labels only in after, only in before, and in both.
// Each result is sorted and never nil.
func CompareLabels(before, after []string) (added, removed, common []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, l := range before {
		beforeSet[l] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, l := range after {
		afterSet[l] = struct{}{}
	}

	added, removed, common = []string{}, []string{}, []string{}
	for l := range afterSet {
		if _, ok := beforeSet[l]; ok {
			common = append(common, l)
		} else {
			added = append(added, l)
		}
	}
	for l := range beforeSet {
		if _, ok := afterSet[l]; !ok {
			removed = append(removed, l)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)
	return added, removed, common
}
