package gorm

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/stepcluster/pkg/models"
)

const insertBatchSize = 500

// DefaultSiblingLimit caps Siblings when no positive limit is given.
const DefaultSiblingLimit = 10

// RunRecord is everything persisted for one finished run.
type RunRecord struct {
	Run         models.Run
	Assignments []models.ClusterAssignment
	Summaries   []models.ClusterSummary
}

// RunStore stores clustering runs and answers queries over them.
type RunStore struct {
	db *gorm.DB
	// summaries of a run never change once written
	summaries *cache.Cache
}

// NewRunStore creates a new run store.
func NewRunStore(store *Store) *RunStore {
	return &RunStore{
		db:        store.DB,
		summaries: cache.New(30*time.Minute, 10*time.Minute),
	}
}

// InvalidateCache drops all cached summaries.
func (s *RunStore) InvalidateCache() {
	s.summaries.Flush()
}

// SaveRun writes the run, its assignments and summaries, then makes it the
// current run. Everything happens in one transaction: on failure the
// previous current run stays current and nothing of the new run is visible.
func (s *RunStore) SaveRun(ctx context.Context, rec RunRecord) (int64, error) {
	startedAt := rec.Run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	row := ClusterRun{
		StartedAt:      startedAt.UTC().Format(time.RFC3339),
		StartedAtEpoch: startedAt.UnixMilli(),
		BackendKind:    rec.Run.BackendKind,
		BackendName:    rec.Run.BackendName,
		Threshold:      rec.Run.Threshold,
		TotalSteps:     rec.Run.TotalSteps,
		TotalClusters:  rec.Run.TotalClusters,
		NoiseCount:     rec.Run.NoiseCount,
		ElapsedSeconds: rec.Run.ElapsedSeconds,
		Params:         rec.Run.Params,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ClusterRun{}).Where("is_current = ?", true).Update("is_current", false).Error; err != nil {
			return &PersistenceError{Op: "clear current run", Err: err}
		}
		if err := tx.Create(&row).Error; err != nil {
			return &PersistenceError{Op: "insert run", Err: err}
		}

		if len(rec.Assignments) > 0 {
			assignments := make([]ClusterAssignment, 0, len(rec.Assignments))
			for _, a := range rec.Assignments {
				assignments = append(assignments, ClusterAssignment{
					RunID:     row.ID,
					StepID:    a.StepID,
					ClusterID: a.ClusterID,
					Label:     a.Label,
					Threshold: a.Threshold,
				})
			}
			if err := tx.Omit(clause.Associations).CreateInBatches(&assignments, insertBatchSize).Error; err != nil {
				return &PersistenceError{Op: "insert assignments", Err: err}
			}
		}

		if len(rec.Summaries) > 0 {
			summaries := make([]ClusterSummary, 0, len(rec.Summaries))
			for _, cs := range rec.Summaries {
				summaries = append(summaries, ClusterSummary{
					RunID:     row.ID,
					ClusterID: cs.ClusterID,
					Label:     cs.Label,
					StepCount: cs.StepCount,
					CaseCount: cs.CaseCount,
					Threshold: cs.Threshold,
				})
			}
			if err := tx.Omit(clause.Associations).CreateInBatches(&summaries, insertBatchSize).Error; err != nil {
				return &PersistenceError{Op: "insert summaries", Err: err}
			}
		}

		if err := tx.Model(&ClusterRun{}).Where("id = ?", row.ID).Update("is_current", true).Error; err != nil {
			return &PersistenceError{Op: "activate run", Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.summaries.Delete(runKey(row.ID))
	log.Info().Int64("run_id", row.ID).Int("assignments", len(rec.Assignments)).Msg("Run saved and activated")
	return row.ID, nil
}

// ListRuns returns all runs, most recent first.
func (s *RunStore) ListRuns(ctx context.Context) ([]models.Run, error) {
	var rows []ClusterRun
	err := s.db.WithContext(ctx).
		Order("started_at_epoch DESC").
		Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelRuns(rows), nil
}

// GetRun returns a run and its cluster summaries.
func (s *RunStore) GetRun(ctx context.Context, id int64) (*models.RunDetail, error) {
	run, err := s.findRun(ctx, id)
	if err != nil {
		return nil, err
	}
	clusters, err := s.summariesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.RunDetail{Run: toModelRun(run), Clusters: clusters}, nil
}

// CurrentRun returns the current run, or ErrRunNotFound when there is none.
func (s *RunStore) CurrentRun(ctx context.Context) (*models.Run, error) {
	var row ClusterRun
	err := s.db.WithContext(ctx).Where("is_current = ?", true).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run := toModelRun(&row)
	return &run, nil
}

// ListClusters returns the summaries of a run; runID 0 selects the current
// run, and no current run yields an empty list.
func (s *RunStore) ListClusters(ctx context.Context, runID int64) ([]models.ClusterSummary, error) {
	id, err := s.resolveRun(ctx, runID)
	if errors.Is(err, ErrRunNotFound) && runID == 0 {
		return []models.ClusterSummary{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.summariesFor(ctx, id)
}

// GetCluster returns one cluster with its members ordered by case and step number.
func (s *RunStore) GetCluster(ctx context.Context, runID int64, clusterID int) (*models.ClusterDetail, error) {
	id, err := s.resolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var summary ClusterSummary
	err = s.db.WithContext(ctx).Where("run_id = ? AND cluster_id = ?", id, clusterID).Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClusterNotFound
	}
	if err != nil {
		return nil, err
	}

	members := []models.ClusterMember{}
	err = s.memberQuery(ctx).
		Where("a.run_id = ? AND a.cluster_id = ?", id, clusterID).
		Order("s.case_id").
		Order("s.step_no").
		Scan(&members).Error
	if err != nil {
		return nil, err
	}

	return &models.ClusterDetail{
		Summary: toModelSummaries([]ClusterSummary{summary})[0],
		Members: members,
	}, nil
}

// Siblings returns up to limit other steps from the cluster stepID belongs to.
// Noise steps and steps without an assignment have no siblings.
func (s *RunStore) Siblings(ctx context.Context, runID, stepID int64, limit int) ([]models.SiblingStep, error) {
	if limit <= 0 {
		limit = DefaultSiblingLimit
	}
	id, err := s.resolveRun(ctx, runID)
	if errors.Is(err, ErrRunNotFound) && runID == 0 {
		return []models.SiblingStep{}, nil
	}
	if err != nil {
		return nil, err
	}

	var own ClusterAssignment
	err = s.db.WithContext(ctx).Where("run_id = ? AND step_id = ?", id, stepID).Take(&own).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && models.IsNoise(own.ClusterID)) {
		return []models.SiblingStep{}, nil
	}
	if err != nil {
		return nil, err
	}

	siblings := []models.SiblingStep{}
	err = s.memberQuery(ctx).
		Select("s.id AS step_id, s.operation AS text, s.step_no, s.case_id, c.title AS case_title, a.cluster_id, a.label").
		Where("a.run_id = ? AND a.cluster_id = ? AND a.step_id <> ?", id, own.ClusterID, stepID).
		Order("s.case_id").
		Order("s.step_no").
		Limit(limit).
		Scan(&siblings).Error
	if err != nil {
		return nil, err
	}
	return siblings, nil
}

// ActivateRun makes id the only current run.
func (s *RunStore) ActivateRun(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ClusterRun{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrRunNotFound
		}
		if err := tx.Model(&ClusterRun{}).Where("is_current = ? AND id <> ?", true, id).Update("is_current", false).Error; err != nil {
			return err
		}
		return tx.Model(&ClusterRun{}).Where("id = ?", id).Update("is_current", true).Error
	})
}

// DeleteRun removes a run with its assignments and summaries. Deleting the
// current run leaves no run current.
func (s *RunStore) DeleteRun(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&ClusterAssignment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", id).Delete(&ClusterSummary{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&ClusterRun{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRunNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summaries.Delete(runKey(id))
	return nil
}

// CompareRuns diffs the cluster labels of two runs.
func (s *RunStore) CompareRuns(ctx context.Context, id1, id2 int64) (*models.RunComparison, error) {
	first, err := s.GetRun(ctx, id1)
	if err != nil {
		return nil, err
	}
	second, err := s.GetRun(ctx, id2)
	if err != nil {
		return nil, err
	}

	added, removed, common := models.CompareLabels(labelsOf(first.Clusters), labelsOf(second.Clusters))
	return &models.RunComparison{
		Run1:              first.Run,
		Run2:              second.Run,
		NewLabels:         added,
		DisappearedLabels: removed,
		CommonLabels:      common,
	}, nil
}

func labelsOf(clusters []models.ClusterSummary) []string {
	out := make([]string, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, c.Label)
	}
	return out
}

func (s *RunStore) memberQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("cluster_assignments AS a").
		Select("s.id AS step_id, s.operation AS text, s.step_no, s.case_id, c.title AS case_title").
		Joins("JOIN test_steps s ON s.id = a.step_id").
		Joins("JOIN test_cases c ON c.id = s.case_id")
}

func (s *RunStore) findRun(ctx context.Context, id int64) (*ClusterRun, error) {
	var row ClusterRun
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// resolveRun maps runID 0 to the current run and checks that other ids exist.
func (s *RunStore) resolveRun(ctx context.Context, runID int64) (int64, error) {
	if runID == 0 {
		cur, err := s.CurrentRun(ctx)
		if err != nil {
			return 0, err
		}
		return cur.ID, nil
	}
	row, err := s.findRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *RunStore) summariesFor(ctx context.Context, runID int64) ([]models.ClusterSummary, error) {
	if cached, ok := s.summaries.Get(runKey(runID)); ok {
		return slices.Clone(cached.([]models.ClusterSummary)), nil
	}

	var rows []ClusterSummary
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("cluster_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := toModelSummaries(rows)
	s.summaries.SetDefault(runKey(runID), out)
	return slices.Clone(out), nil
}

func runKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
