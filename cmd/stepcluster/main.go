// Package main provides the stepcluster worker entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/stepcluster/internal/config"
	gormdb "github.com/thebtf/stepcluster/internal/db/gorm"
	"github.com/thebtf/stepcluster/internal/embedding"
	"github.com/thebtf/stepcluster/internal/logging"
	"github.com/thebtf/stepcluster/internal/watcher"
	"github.com/thebtf/stepcluster/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.stepcluster)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *dataDir != "" {
		if err := os.Setenv(config.KeyDataDir, *dataDir); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply data directory")
		}
	}

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg := config.Get()
	if *debug {
		cfg.LogLevel = "debug"
	}

	logCloser, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	gormLevel := logger.Warn
	if *debug {
		gormLevel = logger.Info
	}
	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: gormLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("Failed to initialize database")
	}
	defer store.Close()

	log.Info().Str("driver", store.Driver()).Msg("Database ready")

	registry := embedding.NewRegistry()
	svc := worker.NewService(Version, cfg, store, registry)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopWatchers := startWatchers(ctx, cfg, store, svc, registry)
	defer stopWatchers()

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Worker shutdown incomplete")
	}
}

// startWatchers releases the cached backend when a model directory it may be
// using disappears. The model_path watcher follows settings updates. It
// returns a function that stops all watchers.
func startWatchers(ctx context.Context, cfg *config.Config, store *gormdb.Store, svc *worker.Service, registry *embedding.Registry) func() {
	set := watcher.NewSet(func(path string) {
		log.Warn().Str("path", path).Msg("Model directory removed, releasing embedding backend")
		registry.Release()
	})
	watch := func(key, path string) {
		if err := set.Watch(key, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to start model watcher")
		}
	}

	watch("builtin", cfg.BuiltinModelPath)
	settings, err := gormdb.NewStepStore(store).GetSettings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read settings for model watcher")
	} else {
		watch(gormdb.SettingModelPath, settings[gormdb.SettingModelPath])
	}
	svc.OnSettingsChanged(func(settings map[string]string) {
		watch(gormdb.SettingModelPath, settings[gormdb.SettingModelPath])
	})

	return set.Stop
}
