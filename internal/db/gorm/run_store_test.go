package gorm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/stepcluster/pkg/models"
)

// saveSampleRun clusters the "Click login button" steps together and leaves
// everything else as noise.
func saveSampleRun(t *testing.T, runs *RunStore, steps []models.Step, threshold float64) int64 {
	t.Helper()
	rec := RunRecord{Run: models.Run{
		BackendKind: "tfidf",
		BackendName: "TF-IDF (lightweight test mode)",
		Threshold:   threshold,
		TotalSteps:  len(steps),
		Params:      map[string]any{"eps": 1 - threshold, "min_pts": 2},
	}}
	clustered := 0
	for _, s := range steps {
		a := models.ClusterAssignment{StepID: s.ID, ClusterID: models.NoiseClusterID, Threshold: threshold}
		if s.Text == "Click login button" {
			a.ClusterID = 0
			a.Label = "Click login button"
			clustered++
		}
		rec.Assignments = append(rec.Assignments, a)
	}
	if clustered > 0 {
		rec.Summaries = []models.ClusterSummary{{ClusterID: 0, Label: "Click login button", StepCount: clustered, CaseCount: 1, Threshold: threshold}}
		rec.Run.TotalClusters = 1
	}
	rec.Run.NoiseCount = len(steps) - clustered

	id, err := runs.SaveRun(context.Background(), rec)
	require.NoError(t, err)
	return id
}

// RunStoreSuite tests run persistence and queries.
type RunStoreSuite struct {
	suite.Suite
	store *Store
	steps *StepStore
	runs  *RunStore
	ctx   context.Context
	list  []models.Step
}

func TestRunStoreSuite(t *testing.T) {
	suite.Run(t, new(RunStoreSuite))
}

func (s *RunStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = testStore(s.T())
	s.steps = NewStepStore(s.store)
	s.runs = NewRunStore(s.store)

	s.Require().NoError(s.steps.ReplaceCorpus(s.ctx, sampleCases()))
	list, err := s.steps.ListSteps(s.ctx)
	s.Require().NoError(err)
	s.list = list
}

func (s *RunStoreSuite) currentCount() int64 {
	var n int64
	s.Require().NoError(s.store.DB.Model(&ClusterRun{}).Where("is_current = ?", true).Count(&n).Error)
	return n
}

func (s *RunStoreSuite) TestSaveRunBecomesCurrent() {
	first := saveSampleRun(s.T(), s.runs, s.list, 0.8)
	second := saveSampleRun(s.T(), s.runs, s.list, 0.9)

	cur, err := s.runs.CurrentRun(s.ctx)
	s.Require().NoError(err)
	s.Equal(second, cur.ID)
	s.Equal(int64(1), s.currentCount())

	detail, err := s.runs.GetRun(s.ctx, first)
	s.Require().NoError(err)
	s.False(detail.Run.IsCurrent)
	s.Equal(0.8, detail.Run.Threshold)
	s.Equal(5, detail.Run.TotalSteps)
	s.Equal(1, detail.Run.TotalClusters)
	s.Equal(3, detail.Run.NoiseCount)
	s.Equal("tfidf", detail.Run.BackendKind)
	s.Equal(json.Number("2"), detail.Run.Params["min_pts"])
	s.WithinDuration(time.Now(), detail.Run.StartedAt, time.Minute)
	s.Require().Len(detail.Clusters, 1)
	s.Equal("Click login button", detail.Clusters[0].Label)
}

func (s *RunStoreSuite) TestSaveRunRollsBackOnFailure() {
	good := saveSampleRun(s.T(), s.runs, s.list, 0.8)

	rec := RunRecord{
		Run: models.Run{Threshold: 0.9, TotalSteps: 2},
		Assignments: []models.ClusterAssignment{
			{StepID: s.list[0].ID, ClusterID: 0},
			{StepID: 999999, ClusterID: 0}, // violates the step foreign key
		},
	}
	_, err := s.runs.SaveRun(s.ctx, rec)
	var persistErr *PersistenceError
	s.Require().ErrorAs(err, &persistErr)
	s.Equal("insert assignments", persistErr.Op)

	cur, err := s.runs.CurrentRun(s.ctx)
	s.Require().NoError(err)
	s.Equal(good, cur.ID)

	history, err := s.runs.ListRuns(s.ctx)
	s.Require().NoError(err)
	s.Len(history, 1)

	var assignments int64
	s.store.DB.Model(&ClusterAssignment{}).Count(&assignments)
	s.Equal(int64(len(s.list)), assignments)
}

func (s *RunStoreSuite) TestEmptyRunIsSavedAndCurrent() {
	id, err := s.runs.SaveRun(s.ctx, RunRecord{Run: models.Run{Threshold: 0.8, BackendKind: "builtin"}})
	s.Require().NoError(err)

	cur, err := s.runs.CurrentRun(s.ctx)
	s.Require().NoError(err)
	s.Equal(id, cur.ID)
	s.Zero(cur.TotalClusters)

	clusters, err := s.runs.ListClusters(s.ctx, 0)
	s.Require().NoError(err)
	s.Empty(clusters)
}

func (s *RunStoreSuite) TestListRunsNewestFirst() {
	a := saveSampleRun(s.T(), s.runs, s.list, 0.8)
	b := saveSampleRun(s.T(), s.runs, s.list, 0.85)
	c := saveSampleRun(s.T(), s.runs, s.list, 0.9)

	history, err := s.runs.ListRuns(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(history, 3)
	s.Equal([]int64{c, b, a}, []int64{history[0].ID, history[1].ID, history[2].ID})
	s.True(history[0].IsCurrent)
}

func (s *RunStoreSuite) TestActivateRun() {
	a := saveSampleRun(s.T(), s.runs, s.list, 0.8)
	b := saveSampleRun(s.T(), s.runs, s.list, 0.9)

	s.Require().NoError(s.runs.ActivateRun(s.ctx, a))
	cur, err := s.runs.CurrentRun(s.ctx)
	s.Require().NoError(err)
	s.Equal(a, cur.ID)
	s.Equal(int64(1), s.currentCount())

	s.Require().NoError(s.runs.ActivateRun(s.ctx, a))
	s.Equal(int64(1), s.currentCount())

	s.ErrorIs(s.runs.ActivateRun(s.ctx, b+100), ErrRunNotFound)
	cur, err = s.runs.CurrentRun(s.ctx)
	s.Require().NoError(err)
	s.Equal(a, cur.ID)
}

func (s *RunStoreSuite) TestDeleteRunCascades() {
	a := saveSampleRun(s.T(), s.runs, s.list, 0.8)
	b := saveSampleRun(s.T(), s.runs, s.list, 0.9)

	// warm the cache, then make sure deletion evicts it
	_, err := s.runs.GetRun(s.ctx, b)
	s.Require().NoError(err)

	s.Require().NoError(s.runs.DeleteRun(s.ctx, b))
	_, err = s.runs.GetRun(s.ctx, b)
	s.ErrorIs(err, ErrRunNotFound)
	s.Zero(s.currentCount())

	var assignments, summaries int64
	s.store.DB.Model(&ClusterAssignment{}).Where("run_id = ?", b).Count(&assignments)
	s.store.DB.Model(&ClusterSummary{}).Where("run_id = ?", b).Count(&summaries)
	s.Zero(assignments)
	s.Zero(summaries)

	_, err = s.runs.GetRun(s.ctx, a)
	s.NoError(err)
	s.ErrorIs(s.runs.DeleteRun(s.ctx, b), ErrRunNotFound)
}

func (s *RunStoreSuite) TestGetClusterMembersOrdered() {
	saveSampleRun(s.T(), s.runs, s.list, 0.8)

	detail, err := s.runs.GetCluster(s.ctx, 0, 0)
	s.Require().NoError(err)
	s.Equal(2, detail.Summary.StepCount)
	s.Require().Len(detail.Members, 2)
	for i, m := range detail.Members {
		s.Equal("TC-1", m.CaseID)
		s.Equal("Login", m.CaseTitle)
		s.Equal("Click login button", m.Text)
		s.Equal(i+2, m.StepNo)
	}

	_, err = s.runs.GetCluster(s.ctx, 0, 7)
	s.ErrorIs(err, ErrClusterNotFound)
	_, err = s.runs.GetCluster(s.ctx, 12345, 0)
	s.ErrorIs(err, ErrRunNotFound)
}

func (s *RunStoreSuite) TestSiblings() {
	id := saveSampleRun(s.T(), s.runs, s.list, 0.8)

	var clicks, noise []int64
	for _, st := range s.list {
		if st.Text == "Click login button" {
			clicks = append(clicks, st.ID)
		} else {
			noise = append(noise, st.ID)
		}
	}

	siblings, err := s.runs.Siblings(s.ctx, id, clicks[0], 10)
	s.Require().NoError(err)
	s.Require().Len(siblings, 1)
	s.Equal(clicks[1], siblings[0].StepID)
	s.Equal(0, siblings[0].ClusterID)
	s.Equal("Click login button", siblings[0].Label)
	s.Equal("Login", siblings[0].CaseTitle)

	siblings, err = s.runs.Siblings(s.ctx, 0, noise[0], 10)
	s.Require().NoError(err)
	s.Empty(siblings)

	siblings, err = s.runs.Siblings(s.ctx, 0, 424242, 10)
	s.Require().NoError(err)
	s.Empty(siblings)

	siblings, err = s.runs.Siblings(s.ctx, id, clicks[0], 0)
	s.Require().NoError(err)
	s.Len(siblings, 1)
}

func (s *RunStoreSuite) TestCompareRuns() {
	a := saveSampleRun(s.T(), s.runs, s.list, 0.8)
	b, err := s.runs.SaveRun(s.ctx, RunRecord{
		Run: models.Run{Threshold: 0.7, TotalClusters: 2},
		Summaries: []models.ClusterSummary{
			{ClusterID: 0, Label: "Open reports", StepCount: 2, CaseCount: 2},
			{ClusterID: 1, Label: "Click login button", StepCount: 2, CaseCount: 1},
		},
	})
	s.Require().NoError(err)

	cmp, err := s.runs.CompareRuns(s.ctx, a, b)
	s.Require().NoError(err)
	s.Equal(a, cmp.Run1.ID)
	s.Equal(b, cmp.Run2.ID)
	s.Equal([]string{"Open reports"}, cmp.NewLabels)
	s.Equal([]string{}, cmp.DisappearedLabels)
	s.Equal([]string{"Click login button"}, cmp.CommonLabels)

	_, err = s.runs.CompareRuns(s.ctx, a, b+50)
	s.ErrorIs(err, ErrRunNotFound)
}

func (s *RunStoreSuite) TestListClustersWithoutRuns() {
	clusters, err := s.runs.ListClusters(s.ctx, 0)
	s.Require().NoError(err)
	s.Empty(clusters)

	_, err = s.runs.ListClusters(s.ctx, 99)
	s.ErrorIs(err, ErrRunNotFound)

	_, err = s.runs.GetCluster(s.ctx, 0, 0)
	s.ErrorIs(err, ErrRunNotFound)
}
