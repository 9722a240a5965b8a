package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// RunSuite is a test suite for run and cluster types.
type RunSuite struct {
	suite.Suite
}

func TestRunSuite(t *testing.T) {
	suite.Run(t, new(RunSuite))
}

func (s *RunSuite) TestIsNoise() {
	s.True(IsNoise(NoiseClusterID))
	s.True(IsNoise(-7))
	s.False(IsNoise(0))
	s.False(IsNoise(3))
}

func (s *RunSuite) TestCompareLabels() {
	added, removed, common := CompareLabels(
		[]string{"Open settings", "Click login", "Logout"},
		[]string{"Click login", "Download report", "Add user", "Click login"},
	)
	s.Equal([]string{"Add user", "Download report"}, added)
	s.Equal([]string{"Logout", "Open settings"}, removed)
	s.Equal([]string{"Click login"}, common)
}

func (s *RunSuite) TestCompareLabels_Empty() {
	added, removed, common := CompareLabels(nil, nil)
	s.NotNil(added)
	s.NotNil(removed)
	s.NotNil(common)
	s.Empty(added)
	s.Empty(removed)
	s.Empty(common)
}

func (s *RunSuite) TestRunComparisonJSONKeys() {
	cmp := RunComparison{
		Run1:              Run{ID: 1},
		Run2:              Run{ID: 2},
		NewLabels:         []string{"a"},
		DisappearedLabels: []string{},
		CommonLabels:      []string{"b"},
	}
	data, err := json.Marshal(cmp)
	s.Require().NoError(err)

	var raw map[string]any
	s.Require().NoError(json.Unmarshal(data, &raw))
	for _, key := range []string{"record1", "record2", "new_labels", "disappeared_labels", "common_labels"} {
		s.Contains(raw, key)
	}
}

func TestJobStateJSON(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := JobState{
		Status:          JobStatusCompleted,
		Phase:           PhaseSaving,
		OverallProgress: 100,
		StartedAt:       &started,
		Result:          &JobResult{ClusterCount: 3, NoiseCount: 1, TotalSteps: 7, Threshold: 0.8, RunID: 9},
	}

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded JobState
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, JobStatusCompleted, decoded.Status)
	require.NotNil(t, decoded.Result)
	assert.Equal(t, int64(9), decoded.Result.RunID)
	assert.NotContains(t, string(data), "error_message")
}
