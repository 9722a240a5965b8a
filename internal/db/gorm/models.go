package gorm

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TestCase is an imported manual test case.
type TestCase struct {
	ID         string    `gorm:"primaryKey"`
	Title      string    `gorm:"type:text;not null;default:''"`
	SourceFile string    `gorm:"type:text;not null;default:''"`
	ImportTime time.Time `gorm:"not null"`
}

func (TestCase) TableName() string { return "test_cases" }

// TestStep is one ordered step of a test case.
type TestStep struct {
	Case      *TestCase `gorm:"foreignKey:CaseID;constraint:OnDelete:CASCADE"`
	CaseID    string    `gorm:"not null;index:idx_test_steps_case,priority:1"`
	Operation string    `gorm:"type:text;not null"`
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	StepNo    int       `gorm:"not null;index:idx_test_steps_case,priority:2"`
}

func (TestStep) TableName() string { return "test_steps" }

// Setting is a key-value pair of user settings.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"type:text;not null;default:''"`
}

func (Setting) TableName() string { return "settings" }

// ClusterRun is the history record of one clustering run.
type ClusterRun struct {
	Params         datatypes.JSONMap
	StartedAt      string `gorm:"not null"`
	BackendKind    string `gorm:"type:text;not null;default:''"`
	BackendName    string `gorm:"type:text;not null;default:''"`
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	StartedAtEpoch int64  `gorm:"index:idx_cluster_runs_started,sort:desc;not null"`
	Threshold      float64
	TotalSteps     int
	TotalClusters  int
	NoiseCount     int
	ElapsedSeconds float64
	IsCurrent      bool `gorm:"not null;default:false"`
}

func (ClusterRun) TableName() string { return "cluster_runs" }

// BeforeCreate hook to ensure timestamps are set.
func (r *ClusterRun) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.StartedAtEpoch == 0 {
		r.StartedAtEpoch = now.UnixMilli()
	}
	if r.StartedAt == "" {
		r.StartedAt = time.UnixMilli(r.StartedAtEpoch).UTC().Format(time.RFC3339)
	}
	return nil
}

// ClusterAssignment places a step into a cluster within one run.
type ClusterAssignment struct {
	Run       *ClusterRun `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	Step      *TestStep   `gorm:"foreignKey:StepID;constraint:OnDelete:CASCADE"`
	Label     string      `gorm:"type:text;not null;default:''"`
	ID        int64       `gorm:"primaryKey;autoIncrement"`
	RunID     int64       `gorm:"not null;uniqueIndex:idx_assignments_run_step,priority:1;index:idx_assignments_run_cluster,priority:1"`
	StepID    int64       `gorm:"not null;uniqueIndex:idx_assignments_run_step,priority:2;index:idx_assignments_step"`
	ClusterID int         `gorm:"not null;index:idx_assignments_run_cluster,priority:2"`
	Threshold float64
}

func (ClusterAssignment) TableName() string { return "cluster_assignments" }

// ClusterSummary describes one non-noise cluster of a run.
type ClusterSummary struct {
	Run       *ClusterRun `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	Label     string      `gorm:"type:text;not null;default:''"`
	RunID     int64       `gorm:"primaryKey;autoIncrement:false"`
	ClusterID int         `gorm:"primaryKey;autoIncrement:false"`
	StepCount int
	CaseCount int
	Threshold float64
}

func (ClusterSummary) TableName() string { return "cluster_summaries" }
