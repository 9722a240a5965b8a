package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/stepcluster/pkg/models"
)

// InvalidateFunc is called after stored cluster results were wiped.
type InvalidateFunc func()

// StepStore reads the imported step corpus and the settings table.
type StepStore struct {
	db           *gorm.DB
	invalidateFn InvalidateFunc
}

// NewStepStore creates a new step store.
func NewStepStore(store *Store) *StepStore {
	return &StepStore{db: store.DB}
}

// SetInvalidateFunc sets the callback run after ReplaceCorpus drops cluster results.
func (s *StepStore) SetInvalidateFunc(fn InvalidateFunc) {
	s.invalidateFn = fn
}

// ListSteps returns every step ordered by case and step number.
func (s *StepStore) ListSteps(ctx context.Context) ([]models.Step, error) {
	var rows []TestStep
	err := s.db.WithContext(ctx).
		Order("case_id").
		Order("step_no").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	steps := make([]models.Step, 0, len(rows))
	for _, r := range rows {
		steps = append(steps, models.Step{ID: r.ID, CaseID: r.CaseID, StepNo: r.StepNo, Text: r.Operation})
	}
	return steps, nil
}

// CountSteps returns the number of stored steps.
func (s *StepStore) CountSteps(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TestStep{}).Count(&count).Error
	return int(count), err
}

// ReplaceCorpus swaps the whole case/step corpus in one transaction.
// Cluster assignments and summaries refer to the old steps, so they are
// deleted and no run stays current; run rows remain as history.
func (s *StepStore) ReplaceCorpus(ctx context.Context, cases []models.TestCase) error {
	seen := make(map[string]struct{}, len(cases))
	for _, c := range cases {
		if c.ID == "" {
			return errors.New("test case id is empty")
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate test case id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ClusterAssignment{}).Error; err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&ClusterSummary{}).Error; err != nil {
			return fmt.Errorf("delete summaries: %w", err)
		}
		if err := tx.Model(&ClusterRun{}).Where("is_current = ?", true).Update("is_current", false).Error; err != nil {
			return fmt.Errorf("clear current run: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&TestStep{}).Error; err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&TestCase{}).Error; err != nil {
			return fmt.Errorf("delete cases: %w", err)
		}
		if len(cases) == 0 {
			return nil
		}

		now := time.Now()
		dbCases := make([]TestCase, 0, len(cases))
		var dbSteps []TestStep
		for _, c := range cases {
			importTime := c.ImportTime
			if importTime.IsZero() {
				importTime = now
			}
			dbCases = append(dbCases, TestCase{ID: c.ID, Title: c.Title, SourceFile: c.SourceFile, ImportTime: importTime})
			for i, op := range c.Steps {
				dbSteps = append(dbSteps, TestStep{CaseID: c.ID, StepNo: i + 1, Operation: op})
			}
		}
		if err := tx.CreateInBatches(&dbCases, 500).Error; err != nil {
			return fmt.Errorf("insert cases: %w", err)
		}
		if len(dbSteps) > 0 {
			if err := tx.Omit(clause.Associations).CreateInBatches(&dbSteps, 500).Error; err != nil {
				return fmt.Errorf("insert steps: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("cases", len(cases)).Msg("Corpus replaced, cluster results cleared")
	if s.invalidateFn != nil {
		s.invalidateFn()
	}
	return nil
}

// GetSettings returns all settings as a map.
func (s *StepStore) GetSettings(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// SaveSettings upserts the given settings.
func (s *StepStore) SaveSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]Setting, 0, len(values))
	for k, v := range values {
		rows = append(rows, Setting{Key: k, Value: v})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&rows).Error
}
