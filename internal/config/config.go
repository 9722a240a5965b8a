// Package config provides configuration management for stepcluster.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultWorkerHost        = "127.0.0.1"
	DefaultWorkerPort        = 37800
	DefaultThreshold         = 0.80
	DefaultBatchSize         = 64
	DefaultAPITimeoutSeconds = 120
	DefaultAPIMaxTokens      = 8191
	DefaultLogLevel          = "info"
	DefaultBuiltinModelDir   = "models/text2vec-base-chinese"
)

// Settings keys. The same names are read from the environment.
const (
	KeyDataDir          = "STEPCLUSTER_DATA_DIR"
	KeyWorkerHost       = "STEPCLUSTER_WORKER_HOST"
	KeyWorkerPort       = "STEPCLUSTER_WORKER_PORT"
	KeyDBDriver         = "STEPCLUSTER_DB_DRIVER"
	KeyDBPath           = "STEPCLUSTER_DB_PATH"
	KeyDBDSN            = "STEPCLUSTER_DB_DSN"
	KeyMaxConns         = "STEPCLUSTER_MAX_CONNS"
	KeyBuiltinModelPath = "STEPCLUSTER_BUILTIN_MODEL_PATH"
	KeyDefaultThreshold = "STEPCLUSTER_DEFAULT_THRESHOLD"
	KeyBatchSize        = "STEPCLUSTER_BATCH_SIZE"
	KeyAPITimeout       = "STEPCLUSTER_API_TIMEOUT_SECONDS"
	KeyAPIMaxTokens     = "STEPCLUSTER_API_MAX_TOKENS"
	KeyAPIRPS           = "STEPCLUSTER_API_RPS"
	KeyLogLevel         = "STEPCLUSTER_LOG_LEVEL"
	KeyLogFile          = "STEPCLUSTER_LOG_FILE"
)

// Config holds process configuration. Backend selection lives in the
// settings table, not here.
type Config struct {
	WorkerHost        string  `json:"STEPCLUSTER_WORKER_HOST"`
	DBDriver          string  `json:"STEPCLUSTER_DB_DRIVER"`
	DBPath            string  `json:"STEPCLUSTER_DB_PATH"`
	DBDSN             string  `json:"STEPCLUSTER_DB_DSN"`
	BuiltinModelPath  string  `json:"STEPCLUSTER_BUILTIN_MODEL_PATH"`
	LogLevel          string  `json:"STEPCLUSTER_LOG_LEVEL"`
	LogFile           string  `json:"STEPCLUSTER_LOG_FILE"`
	DefaultThreshold  float64 `json:"STEPCLUSTER_DEFAULT_THRESHOLD"`
	APIRPS            float64 `json:"STEPCLUSTER_API_RPS"`
	WorkerPort        int     `json:"STEPCLUSTER_WORKER_PORT"`
	MaxConns          int     `json:"STEPCLUSTER_MAX_CONNS"`
	BatchSize         int     `json:"STEPCLUSTER_BATCH_SIZE"`
	APITimeoutSeconds int     `json:"STEPCLUSTER_API_TIMEOUT_SECONDS"`
	APIMaxTokens      int     `json:"STEPCLUSTER_API_MAX_TOKENS"`
}

var (
	global     *Config
	globalOnce sync.Once
)

// DataDir returns the data directory path, ~/.stepcluster unless
// STEPCLUSTER_DATA_DIR is set.
func DataDir() string {
	if dir := os.Getenv(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".stepcluster")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "stepcluster.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnvPath returns the path of the optional .env file in the data directory.
func EnvPath() string {
	return filepath.Join(DataDir(), ".env")
}

// LogPath returns the default log file path.
func LogPath() string {
	return filepath.Join(DataDir(), "logs", "stepcluster.log")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WorkerHost:        DefaultWorkerHost,
		WorkerPort:        DefaultWorkerPort,
		DBDriver:          "sqlite",
		DBPath:            DBPath(),
		MaxConns:          4,
		BuiltinModelPath:  filepath.Join(DataDir(), DefaultBuiltinModelDir),
		DefaultThreshold:  DefaultThreshold,
		BatchSize:         DefaultBatchSize,
		APITimeoutSeconds: DefaultAPITimeoutSeconds,
		APIMaxTokens:      DefaultAPIMaxTokens,
		LogLevel:          DefaultLogLevel,
		LogFile:           LogPath(),
	}
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and the default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads configuration from the .env file, settings.json and the
// environment, in increasing order of precedence. A malformed settings file
// is logged and ignored.
func Load() (*Config, error) {
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(EnvPath()); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", EnvPath()).Msg("Failed to read .env file")
	}

	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			log.Warn().Err(jsonErr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
			cfg = Default()
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setString(KeyWorkerHost, &cfg.WorkerHost)
	setInt(KeyWorkerPort, &cfg.WorkerPort)
	setString(KeyDBDriver, &cfg.DBDriver)
	setString(KeyDBPath, &cfg.DBPath)
	setString(KeyDBDSN, &cfg.DBDSN)
	setInt(KeyMaxConns, &cfg.MaxConns)
	setString(KeyBuiltinModelPath, &cfg.BuiltinModelPath)
	setFloat(KeyDefaultThreshold, &cfg.DefaultThreshold)
	setInt(KeyBatchSize, &cfg.BatchSize)
	setInt(KeyAPITimeout, &cfg.APITimeoutSeconds)
	setInt(KeyAPIMaxTokens, &cfg.APIMaxTokens)
	setFloat(KeyAPIRPS, &cfg.APIRPS)
	setString(KeyLogLevel, &cfg.LogLevel)
	setString(KeyLogFile, &cfg.LogFile)
}

// normalize replaces out-of-range values with defaults.
func normalize(cfg *Config) {
	def := Default()
	if cfg.WorkerPort <= 0 || cfg.WorkerPort > 65535 {
		cfg.WorkerPort = def.WorkerPort
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.APITimeoutSeconds <= 0 {
		cfg.APITimeoutSeconds = def.APITimeoutSeconds
	}
	if cfg.APIMaxTokens <= 0 {
		cfg.APIMaxTokens = def.APIMaxTokens
	}
	if cfg.APIRPS < 0 {
		cfg.APIRPS = 0
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = def.DBDriver
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetWorkerPort returns the worker port, preferring a valid environment value.
func GetWorkerPort() int {
	if v := os.Getenv(KeyWorkerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}
