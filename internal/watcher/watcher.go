// Package watcher notices when a model directory disappears so a cached
// embedding backend built from it can be dropped.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce delays the callback so a quick remove+recreate (an
// in-place model update) does not fire it.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls onRemoved when its target path is removed or renamed away.
// fsnotify cannot watch a path that might vanish, so the parent directory is
// watched instead.
type Watcher struct {
	fsw       *fsnotify.Watcher
	ctx       context.Context
	cancel    context.CancelFunc
	onRemoved func(path string)
	target    string
	parent    string
	debounce  time.Duration
	mu        sync.Mutex
	running   bool
}

// New creates a watcher for target. It does not start watching until Start.
func New(target string, onRemoved func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	target = filepath.Clean(target)
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsw:       fsw,
		ctx:       ctx,
		cancel:    cancel,
		onRemoved: onRemoved,
		target:    target,
		parent:    filepath.Dir(target),
		debounce:  DefaultDebounce,
	}, nil
}

// SetDebounce changes the delay between a removal and the callback.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Target returns the watched path.
func (w *Watcher) Target() string {
	return w.target
}

// Start begins watching. A missing parent directory is logged, not fatal.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parent).Msg("Failed to watch model parent directory")
	}
	go w.loop()
	return nil
}

// Stop stops watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	return w.fsw.Close()
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parent); err != nil {
		return err
	}
	return w.fsw.Add(w.parent)
}

func (w *Watcher) loop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				log.Info().Str("path", w.target).Msg("Model directory removed")
				if timer != nil {
					timer.Stop()
				}
				w.mu.Lock()
				delay := w.debounce
				w.mu.Unlock()
				timer = time.AfterFunc(delay, w.fire)
			case event.Has(fsnotify.Create):
				if timer != nil && timer.Stop() {
					log.Info().Str("path", w.target).Msg("Model directory recreated, callback cancelled")
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Model watcher error")
		}
	}
}

func (w *Watcher) fire() {
	if _, err := os.Stat(w.target); err == nil {
		return
	}
	log.Info().Str("path", w.target).Msg("Triggering model removal callback")
	if w.onRemoved != nil {
		w.onRemoved(w.target)
	}
}
