package watcher

import (
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Set keeps one running Watcher per key and swaps it when the path changes.
type Set struct {
	onRemoved func(path string)
	watchers  map[string]*Watcher
	mu        sync.Mutex
}

// NewSet creates an empty set whose watchers all call onRemoved.
func NewSet(onRemoved func(path string)) *Set {
	return &Set{onRemoved: onRemoved, watchers: make(map[string]*Watcher)}
}

// Watch points the watcher for key at path. An empty path stops it. Watching
// the path already in place is a no-op.
func (s *Set) Watch(key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.watchers[key]
	if old != nil && path != "" && old.Target() == filepath.Clean(path) {
		return nil
	}
	if old != nil {
		_ = old.Stop()
		delete(s.watchers, key)
		log.Info().Str("path", old.Target()).Msg("Model directory watcher stopped")
	}
	if path == "" {
		return nil
	}

	w, err := New(path, s.onRemoved)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	s.watchers[key] = w
	log.Info().Str("path", w.Target()).Msg("Model directory watcher started")
	return nil
}

// Targets returns the watched path per key.
func (s *Set) Targets() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.watchers))
	for k, w := range s.watchers {
		out[k] = w.Target()
	}
	return out
}

// Stop stops every watcher in the set.
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.watchers {
		_ = w.Stop()
		delete(s.watchers, k)
	}
}
