package worker

import (
	"strings"
	"time"

	"github.com/thebtf/stepcluster/internal/config"
	gormdb "github.com/thebtf/stepcluster/internal/db/gorm"
	"github.com/thebtf/stepcluster/internal/embedding"
)

// backendKeys are the settings the HTTP API may read and write.
var backendKeys = []string{
	gormdb.SettingBackendKind,
	gormdb.SettingModelPath,
	gormdb.SettingAPIURL,
	gormdb.SettingAPIKey,
	gormdb.SettingAPIModelName,
}

// BackendDefaults holds the backend options that come from process config
// rather than from the settings table.
type BackendDefaults struct {
	BuiltinModelPath     string
	APITimeout           time.Duration
	APIMaxTokens         int
	APIRequestsPerSecond float64
}

// DefaultsFromConfig extracts backend defaults from process configuration.
func DefaultsFromConfig(cfg *config.Config) BackendDefaults {
	return BackendDefaults{
		BuiltinModelPath:     cfg.BuiltinModelPath,
		APITimeout:           time.Duration(cfg.APITimeoutSeconds) * time.Second,
		APIMaxTokens:         cfg.APIMaxTokens,
		APIRequestsPerSecond: cfg.APIRPS,
	}
}

// backendConfig merges stored settings with process defaults.
func (d BackendDefaults) backendConfig(settings map[string]string) embedding.Config {
	get := func(key string) string { return strings.TrimSpace(settings[key]) }
	kind := get(gormdb.SettingBackendKind)
	if kind == "" {
		kind = string(embedding.KindBuiltin)
	}
	return embedding.Config{
		Kind:                 embedding.Kind(strings.ToLower(kind)),
		BuiltinModelPath:     d.BuiltinModelPath,
		ModelPath:            get(gormdb.SettingModelPath),
		APIURL:               get(gormdb.SettingAPIURL),
		APIKey:               get(gormdb.SettingAPIKey),
		APIModel:             get(gormdb.SettingAPIModelName),
		APITimeout:           d.APITimeout,
		APIMaxTokens:         d.APIMaxTokens,
		APIRequestsPerSecond: d.APIRequestsPerSecond,
	}
}

// filterSettings keeps only known backend keys.
func filterSettings(in map[string]string) map[string]string {
	out := make(map[string]string, len(backendKeys))
	for _, k := range backendKeys {
		if v, ok := in[k]; ok {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
