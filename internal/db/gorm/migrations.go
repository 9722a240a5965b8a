package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting keys read by the clustering pipeline.
const (
	SettingBackendKind  = "backend_kind"
	SettingModelPath    = "model_path"
	SettingAPIURL       = "api_url"
	SettingAPIKey       = "api_key"
	SettingAPIModelName = "api_model_name"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: imported corpus and settings
		{
			ID: "001_corpus_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&TestCase{}, &TestStep{}, &Setting{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("test_steps", "test_cases", "settings")
			},
		},

		// Migration 002: run history with assignments and summaries
		{
			ID: "002_cluster_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ClusterRun{}, &ClusterAssignment{}, &ClusterSummary{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("cluster_summaries", "cluster_assignments", "cluster_runs")
			},
		},

		// Migration 003: at most one current run, enforced by the database
		{
			ID: "003_single_current_run",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_cluster_runs_current
					ON cluster_runs (is_current) WHERE is_current`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_cluster_runs_current").Error
			},
		},

		// Migration 004: default settings
		{
			ID: "004_default_settings",
			Migrate: func(tx *gorm.DB) error {
				defaults := []Setting{
					{Key: SettingBackendKind, Value: "builtin"},
					{Key: SettingModelPath, Value: ""},
					{Key: SettingAPIURL, Value: ""},
					{Key: SettingAPIKey, Value: ""},
					{Key: SettingAPIModelName, Value: ""},
				}
				return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Where("key IN ?", []string{
					SettingBackendKind, SettingModelPath, SettingAPIURL, SettingAPIKey, SettingAPIModelName,
				}).Delete(&Setting{}).Error
			},
		},
	})

	return m.Migrate()
}
