// Package models contains domain models for stepcluster.
package models

import "time"

// Step is a single manual test step. The clustering core only reads steps.
type Step struct {
	ID     int64  `json:"id"`
	CaseID string `json:"case_id"`
	StepNo int    `json:"step_no"`
	Text   string `json:"text"`
}

// TestCase groups ordered steps under one case identifier.
type TestCase struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	SourceFile string    `json:"source_file,omitempty"`
	ImportTime time.Time `json:"import_time"`
	Steps      []string  `json:"steps"`
}

// NoiseClusterID marks a step that belongs to no cluster.
const NoiseClusterID = -1

// IsNoise reports whether a cluster id denotes noise.
func IsNoise(clusterID int) bool {
	return clusterID < 0
}
