package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/stepcluster/internal/config"
	gormdb "github.com/thebtf/stepcluster/internal/db/gorm"
	"github.com/thebtf/stepcluster/internal/embedding"
	"github.com/thebtf/stepcluster/internal/worker/sse"
	"github.com/thebtf/stepcluster/pkg/models"
)

// Service is the HTTP worker: it owns the clustering orchestrator and serves
// queries over stored runs.
type Service struct {
	startTime      time.Time
	ctx            context.Context
	config         *config.Config
	store          *gormdb.Store
	stepStore      *gormdb.StepStore
	runStore       *gormdb.RunStore
	registry       *embedding.Registry
	orchestrator   *Orchestrator
	sseBroadcaster *sse.Broadcaster
	router         chi.Router
	server         *http.Server
	cancel         context.CancelFunc
	// createBackend builds the uncached backend used by the model test endpoint.
	createBackend func(embedding.Config) (embedding.Backend, error)
	defaults      BackendDefaults
	// onSettings receives the stored settings after every successful update.
	onSettings func(map[string]string)
	version    string
	ready      atomic.Bool
}

// NewService wires stores, the backend registry and the orchestrator.
func NewService(version string, cfg *config.Config, store *gormdb.Store, registry *embedding.Registry) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	stepStore := gormdb.NewStepStore(store)
	runStore := gormdb.NewRunStore(store)
	stepStore.SetInvalidateFunc(runStore.InvalidateCache)

	broadcaster := sse.NewBroadcaster()
	defaults := DefaultsFromConfig(cfg)

	svc := &Service{
		startTime:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		store:          store,
		stepStore:      stepStore,
		runStore:       runStore,
		registry:       registry,
		sseBroadcaster: broadcaster,
		router:         chi.NewRouter(),
		createBackend:  embedding.Create,
		defaults:       defaults,
		version:        version,
	}
	svc.orchestrator = NewOrchestrator(OrchestratorConfig{
		Steps:     stepStore,
		Runs:      runStore,
		Backends:  registry,
		Defaults:  defaults,
		BatchSize: cfg.BatchSize,
		OnUpdate: func(s models.JobState) {
			broadcaster.Broadcast(sse.EventStatus, s)
		},
	})
	svc.setupRoutes()
	svc.ready.Store(true)
	return svc
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// OnSettingsChanged registers fn to run after PUT /api/settings has saved.
// It must be called before Start.
func (s *Service) OnSettingsChanged(fn func(settings map[string]string)) {
	s.onSettings = fn
}

// Orchestrator returns the job orchestrator.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/cluster", func(r chi.Router) {
		r.Post("/run", s.handleRunClustering)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.sseBroadcaster.Handler(func() any { return s.orchestrator.Status() }))
		r.Get("/list", s.handleListClusters)

		r.Get("/history", s.handleListRuns)
		r.Get("/history/compare", s.handleCompareRuns)
		r.Get("/history/{runID}", s.handleGetRun)
		r.Post("/history/{runID}/activate", s.handleActivateRun)
		r.Delete("/history/{runID}", s.handleDeleteRun)

		r.Get("/{clusterID}", s.handleGetCluster)
	})

	r.Get("/api/steps/{stepID}/siblings", s.handleSiblings)
	r.Put("/api/corpus", s.handleReplaceCorpus)

	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/", s.handleGetSettings)
		r.Put("/", s.handleUpdateSettings)
		r.Post("/test-model", s.handleTestModel)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Service) Start() error {
	addr := net.JoinHostPort(s.config.WorkerHost, strconv.Itoa(s.config.WorkerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("Worker listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. A running
// clustering job is not interrupted.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
