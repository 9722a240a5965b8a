package embedding

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Validate checks that cfg names a known backend kind and carries the fields
// that kind needs. It does no I/O.
func Validate(cfg Config) error {
	switch cfg.normalizedKind() {
	case KindBuiltin:
		if strings.TrimSpace(cfg.BuiltinModelPath) == "" {
			return &ConfigError{Field: "builtin_model_path", Reason: "built-in model path is not configured"}
		}
	case KindLocal:
		if strings.TrimSpace(cfg.ModelPath) == "" {
			return &ConfigError{Field: "model_path", Reason: "model path is not specified"}
		}
	case KindAPI:
		switch {
		case strings.TrimSpace(cfg.APIURL) == "":
			return &ConfigError{Field: "api_url", Reason: "API URL is not specified"}
		case strings.TrimSpace(cfg.APIKey) == "":
			return &ConfigError{Field: "api_key", Reason: "API key is not specified"}
		case strings.TrimSpace(cfg.APIModel) == "":
			return &ConfigError{Field: "api_model_name", Reason: "API model name is not specified"}
		}
	case KindTFIDF:
	default:
		return &ConfigError{Field: "backend_kind", Reason: fmt.Sprintf("unknown backend kind %q", cfg.Kind)}
	}
	return nil
}

func (c Config) normalizedKind() Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	if k == "" {
		return KindBuiltin
	}
	return k
}

// Create builds a new, uncached backend for cfg.
func Create(cfg Config) (Backend, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	switch cfg.normalizedKind() {
	case KindBuiltin:
		return NewBuiltinBackend(cfg.BuiltinModelPath)
	case KindLocal:
		return NewLocalBackend(cfg.ModelPath)
	case KindAPI:
		return NewAPIBackend(cfg)
	default:
		return NewTFIDFBackend(), nil
	}
}

// Registry caches the backend for the most recently requested configuration.
type Registry struct {
	backend Backend
	cfg     Config
	mu      sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Get returns the cached backend when cfg is unchanged, otherwise it builds a
// new one and drops the old instance.
func (r *Registry) Get(cfg Config) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend != nil && r.cfg == cfg {
		return r.backend, nil
	}

	b, err := Create(cfg)
	if err != nil {
		return nil, err
	}
	if r.backend != nil {
		log.Info().Str("old", r.backend.Name()).Str("new", b.Name()).Msg("Embedding backend configuration changed")
	}
	r.backend = b
	r.cfg = cfg
	return b, nil
}

// Release drops the cached backend so its memory can be reclaimed.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend != nil {
		log.Info().Str("backend", r.backend.Name()).Msg("Embedding backend released")
	}
	r.backend = nil
	r.cfg = Config{}
}

// Cached returns the cached backend's configuration, if any.
func (r *Registry) Cached() (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.backend != nil
}
