package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir string
}

func (s *ConfigSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
	s.T().Setenv("HOME", s.tempDir)
	for _, key := range []string{KeyDataDir, KeyWorkerPort, KeyDBDriver, KeyDefaultThreshold, KeyBatchSize, KeyAPIRPS, KeyLogLevel} {
		// register restore, then unset so .env files can still apply
		s.T().Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) writeSettings(content string) {
	s.Require().NoError(os.MkdirAll(filepath.Join(s.tempDir, ".stepcluster"), 0750))
	s.Require().NoError(os.WriteFile(filepath.Join(s.tempDir, ".stepcluster", "settings.json"), []byte(content), 0600))
}

func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal(DefaultWorkerPort, cfg.WorkerPort)
	s.Equal("sqlite", cfg.DBDriver)
	s.Equal(4, cfg.MaxConns)
	s.Equal(0.80, cfg.DefaultThreshold)
	s.Equal(64, cfg.BatchSize)
	s.Equal(120, cfg.APITimeoutSeconds)
	s.Equal(8191, cfg.APIMaxTokens)
	s.Zero(cfg.APIRPS)
	s.Equal("info", cfg.LogLevel)
}

func (s *ConfigSuite) TestPaths() {
	s.Contains(DataDir(), ".stepcluster")
	s.Contains(DBPath(), "stepcluster.db")
	s.Contains(SettingsPath(), "settings.json")
	s.Contains(LogPath(), filepath.Join("logs", "stepcluster.log"))
}

func (s *ConfigSuite) TestDataDirOverride() {
	dir := filepath.Join(s.tempDir, "elsewhere")
	s.T().Setenv(KeyDataDir, dir)

	s.Equal(dir, DataDir())
	s.Equal(filepath.Join(dir, "settings.json"), SettingsPath())
	s.Require().NoError(EnsureAll())
	_, err := os.Stat(filepath.Join(dir, "settings.json"))
	s.NoError(err)
}

func (s *ConfigSuite) TestEnsureAll() {
	s.Require().NoError(EnsureAll())

	info, err := os.Stat(DataDir())
	s.Require().NoError(err)
	s.True(info.IsDir())
	_, err = os.Stat(SettingsPath())
	s.NoError(err)

	// the generated file loads back as defaults
	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(Default(), cfg)

	// second call keeps the existing file
	s.writeSettings(`{"STEPCLUSTER_BATCH_SIZE": 8}`)
	s.Require().NoError(EnsureAll())
	cfg, err = Load()
	s.Require().NoError(err)
	s.Equal(8, cfg.BatchSize)
}

func (s *ConfigSuite) TestLoad_TableDriven() {
	tests := []struct {
		name          string
		settingsJSON  string
		wantPort      int
		wantThreshold float64
		wantDriver    string
	}{
		{
			name:          "no settings file",
			wantPort:      DefaultWorkerPort,
			wantThreshold: DefaultThreshold,
			wantDriver:    "sqlite",
		},
		{
			name:          "custom port",
			settingsJSON:  `{"STEPCLUSTER_WORKER_PORT": 38888}`,
			wantPort:      38888,
			wantThreshold: DefaultThreshold,
			wantDriver:    "sqlite",
		},
		{
			name:          "custom threshold and driver",
			settingsJSON:  `{"STEPCLUSTER_DEFAULT_THRESHOLD": 0.9, "STEPCLUSTER_DB_DRIVER": "postgres"}`,
			wantPort:      DefaultWorkerPort,
			wantThreshold: 0.9,
			wantDriver:    "postgres",
		},
		{
			name:          "out of range values fall back",
			settingsJSON:  `{"STEPCLUSTER_WORKER_PORT": -1, "STEPCLUSTER_DEFAULT_THRESHOLD": 0}`,
			wantPort:      DefaultWorkerPort,
			wantThreshold: DefaultThreshold,
			wantDriver:    "sqlite",
		},
		{
			name:          "invalid JSON returns defaults",
			settingsJSON:  `{invalid}`,
			wantPort:      DefaultWorkerPort,
			wantThreshold: DefaultThreshold,
			wantDriver:    "sqlite",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.T().Setenv("HOME", s.T().TempDir())
			s.tempDir = os.Getenv("HOME")
			if tt.settingsJSON != "" {
				s.writeSettings(tt.settingsJSON)
			}

			cfg, err := Load()
			s.Require().NoError(err)
			s.Equal(tt.wantPort, cfg.WorkerPort)
			s.Equal(tt.wantThreshold, cfg.DefaultThreshold)
			s.Equal(tt.wantDriver, cfg.DBDriver)
		})
	}
}

func (s *ConfigSuite) TestEnvOverridesFile() {
	s.writeSettings(`{"STEPCLUSTER_BATCH_SIZE": 16, "STEPCLUSTER_LOG_LEVEL": "warn"}`)
	s.T().Setenv(KeyBatchSize, "128")
	s.T().Setenv(KeyAPIRPS, "2.5")
	s.T().Setenv(KeyDefaultThreshold, "not-a-number")

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(128, cfg.BatchSize)
	s.Equal(2.5, cfg.APIRPS)
	s.Equal("warn", cfg.LogLevel)
	s.Equal(DefaultThreshold, cfg.DefaultThreshold)
}

func (s *ConfigSuite) TestDotEnvFile() {
	s.Require().NoError(os.MkdirAll(filepath.Join(s.tempDir, ".stepcluster"), 0750))
	s.Require().NoError(os.WriteFile(EnvPath(), []byte("STEPCLUSTER_LOG_LEVEL=debug\n"), 0600))
	s.T().Cleanup(func() { os.Unsetenv(KeyLogLevel) })

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal("debug", cfg.LogLevel)
}

func TestGetWorkerPort_WithEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Setenv(KeyWorkerPort, "45678")
	assert.Equal(t, 45678, GetWorkerPort())

	t.Setenv(KeyWorkerPort, "not-a-number")
	assert.Greater(t, GetWorkerPort(), 0)

	t.Setenv(KeyWorkerPort, "0")
	assert.Greater(t, GetWorkerPort(), 0)
}

func TestGet(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Get()
	require.NotNil(t, cfg)
	assert.Greater(t, cfg.WorkerPort, 0)
	assert.Same(t, cfg, Get())
}
