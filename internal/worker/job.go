package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/stepcluster/internal/cluster"
	gormdb "github.com/thebtf/stepcluster/internal/db/gorm"
	"github.com/thebtf/stepcluster/internal/embedding"
	"github.com/thebtf/stepcluster/internal/privacy"
	"github.com/thebtf/stepcluster/pkg/models"
)

// Allowed similarity thresholds.
const (
	MinThreshold = 0.5
	MaxThreshold = 0.95
)

var (
	// ErrJobRunning is returned by Start while a run is in flight.
	ErrJobRunning = errors.New("a clustering job is already running")
	// ErrCorpusBusy is returned by Start while the step corpus is being replaced.
	ErrCorpusBusy = errors.New("the step corpus is being replaced")
	// ErrInvalidThreshold is returned for thresholds outside [MinThreshold, MaxThreshold].
	ErrInvalidThreshold = fmt.Errorf("threshold must be between %.2f and %.2f", MinThreshold, MaxThreshold)
)

// StepSource reads the step corpus and the backend settings.
type StepSource interface {
	ListSteps(ctx context.Context) ([]models.Step, error)
	GetSettings(ctx context.Context) (map[string]string, error)
}

// RunSaver persists a finished run and makes it current.
type RunSaver interface {
	SaveRun(ctx context.Context, rec gormdb.RunRecord) (int64, error)
}

// BackendProvider hands out embedding backends for a configuration.
type BackendProvider interface {
	Get(cfg embedding.Config) (embedding.Backend, error)
}

// Orchestrator runs at most one clustering job at a time and keeps the
// state of the latest one. All state access goes through mu.
type Orchestrator struct {
	steps     StepSource
	runs      RunSaver
	backends  BackendProvider
	engine    *cluster.Engine
	onUpdate  func(models.JobState)
	now       func() time.Time
	done      chan struct{}
	defaults  BackendDefaults
	state     models.JobState
	batchSize int
	// corpusBusy is set while Exclusive runs
	corpusBusy bool
	mu         sync.Mutex
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Steps     StepSource
	Runs      RunSaver
	Backends  BackendProvider
	Defaults  BackendDefaults
	BatchSize int
	// OnUpdate receives a snapshot after every state change. It is called
	// without the lock held.
	OnUpdate func(models.JobState)
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = embedding.DefaultBatchSize
	}
	return &Orchestrator{
		steps:     cfg.Steps,
		runs:      cfg.Runs,
		backends:  cfg.Backends,
		engine:    cluster.NewEngine(batchSize),
		onUpdate:  cfg.OnUpdate,
		now:       time.Now,
		defaults:  cfg.Defaults,
		batchSize: batchSize,
		state:     models.JobState{Status: models.JobStatusIdle},
	}
}

// Status returns a snapshot of the job state.
func (o *Orchestrator) Status() models.JobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() models.JobState {
	s := o.state
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
		if s.Status == models.JobStatusRunning {
			s.ElapsedSeconds = o.now().Sub(t).Seconds()
		}
	}
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	return s
}

// Start validates the request and launches a run in the background.
// It returns ErrJobRunning, ErrCorpusBusy, ErrInvalidThreshold or an
// *embedding.ConfigError without changing the job state.
func (o *Orchestrator) Start(ctx context.Context, threshold float64) (models.JobState, error) {
	if o.running() {
		return models.JobState{}, ErrJobRunning
	}
	if threshold < MinThreshold || threshold > MaxThreshold {
		return models.JobState{}, ErrInvalidThreshold
	}

	settings, err := o.steps.GetSettings(ctx)
	if err != nil {
		return models.JobState{}, fmt.Errorf("load settings: %w", err)
	}
	cfg := o.defaults.backendConfig(settings)
	if err := embedding.Validate(cfg); err != nil {
		return models.JobState{}, err
	}

	o.mu.Lock()
	if o.state.Status == models.JobStatusRunning {
		o.mu.Unlock()
		return models.JobState{}, ErrJobRunning
	}
	if o.corpusBusy {
		o.mu.Unlock()
		return models.JobState{}, ErrCorpusBusy
	}
	startedAt := o.now()
	o.state = models.JobState{
		JobID:     uuid.NewString(),
		Status:    models.JobStatusRunning,
		Phase:     models.PhasePreprocess,
		Detail:    "Starting",
		Threshold: threshold,
		StartedAt: &startedAt,
	}
	o.done = make(chan struct{})
	jobID, done := o.state.JobID, o.done
	snap := o.snapshotLocked()
	o.mu.Unlock()

	log.Info().Str("job_id", jobID).Float64("threshold", threshold).Str("backend", string(cfg.Kind)).Msg("Clustering job started")
	o.publish(snap)

	// runs are not cancellable; detach from the request context
	go func() {
		defer close(done)
		o.run(context.WithoutCancel(ctx), jobID, threshold, cfg, startedAt)
	}()
	return snap, nil
}

// Exclusive runs fn while no clustering job can start. It returns
// ErrJobRunning without calling fn when a run is in flight, and ErrCorpusBusy
// when another Exclusive call holds the corpus.
func (o *Orchestrator) Exclusive(fn func() error) error {
	o.mu.Lock()
	switch {
	case o.state.Status == models.JobStatusRunning:
		o.mu.Unlock()
		return ErrJobRunning
	case o.corpusBusy:
		o.mu.Unlock()
		return ErrCorpusBusy
	}
	o.corpusBusy = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.corpusBusy = false
		o.mu.Unlock()
	}()
	return fn()
}

// Wait blocks until the current run, if any, has finished.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Status == models.JobStatusRunning
}

func (o *Orchestrator) run(ctx context.Context, jobID string, threshold float64, cfg embedding.Config, startedAt time.Time) {
	totalSteps := 0
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, jobID, fmt.Errorf("clustering job panicked: %v", r), cfg, startedAt, totalSteps)
		}
	}()

	steps, err := o.steps.ListSteps(ctx)
	if err != nil {
		o.fail(ctx, jobID, fmt.Errorf("load steps: %w", err), cfg, startedAt, 0)
		return
	}
	totalSteps = len(steps)

	backend, err := o.backends.Get(cfg)
	if err != nil {
		o.fail(ctx, jobID, err, cfg, startedAt, totalSteps)
		return
	}

	res, err := o.engine.Run(ctx, steps, threshold, backend, o.progress)
	if err != nil {
		o.fail(ctx, jobID, err, cfg, startedAt, totalSteps)
		return
	}
	if res.BackendName == "" {
		res.BackendName = backend.Name()
	}

	o.progress(savingProgress(0, fmt.Sprintf("Saving %d assignments", len(res.Assignments))))
	rec := runRecord(res, cfg.Kind, o.batchSize, startedAt, o.now().Sub(startedAt))
	runID, err := o.runs.SaveRun(ctx, rec)
	if err != nil {
		o.fail(ctx, jobID, err, cfg, startedAt, totalSteps)
		return
	}
	o.progress(savingProgress(100, "Saved"))

	elapsed := o.now().Sub(startedAt)
	result := &models.JobResult{
		ClusterCount:   res.ClusterCount,
		NoiseCount:     res.NoiseCount,
		TotalSteps:     res.TotalSteps,
		Threshold:      threshold,
		RunID:          runID,
		ElapsedSeconds: elapsed.Seconds(),
	}

	o.mu.Lock()
	o.state.Status = models.JobStatusCompleted
	o.state.Phase = models.PhaseSaving
	o.state.PhaseIndex = cluster.PhaseCount
	o.state.PhaseProgress = 100
	o.state.OverallProgress = 100
	o.state.Detail = fmt.Sprintf("Done: %d clusters, %d noise steps", res.ClusterCount, res.NoiseCount)
	o.state.ElapsedSeconds = elapsed.Seconds()
	o.state.Result = result
	snap := o.snapshotLocked()
	o.mu.Unlock()

	log.Info().
		Str("job_id", jobID).
		Int64("run_id", runID).
		Int("clusters", res.ClusterCount).
		Int("noise", res.NoiseCount).
		Dur("elapsed", elapsed).
		Msg("Clustering job completed")
	recordRun(ctx, string(models.JobStatusCompleted), elapsed, totalSteps)
	o.publish(snap)
}

func savingProgress(pct float64, detail string) models.Progress {
	index, overall := cluster.Overall(models.PhaseSaving, pct)
	return models.Progress{
		Phase:         models.PhaseSaving,
		PhaseIndex:    index,
		PhaseProgress: pct,
		Overall:       overall,
		Detail:        detail,
	}
}

// progress copies an engine report into the job state.
func (o *Orchestrator) progress(p models.Progress) {
	o.mu.Lock()
	if o.state.Phase != p.Phase {
		log.Debug().Str("job_id", o.state.JobID).Str("phase", p.Phase).Msg("Clustering phase started")
	}
	o.state.Phase = p.Phase
	o.state.PhaseIndex = p.PhaseIndex
	o.state.PhaseProgress = p.PhaseProgress
	o.state.OverallProgress = max(o.state.OverallProgress, p.Overall)
	o.state.Detail = p.Detail
	snap := o.snapshotLocked()
	o.state.ElapsedSeconds = snap.ElapsedSeconds
	o.mu.Unlock()

	o.publish(snap)
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, err error, cfg embedding.Config, startedAt time.Time, steps int) {
	msg := privacy.RedactError(err, cfg.APIKey)
	elapsed := o.now().Sub(startedAt)

	o.mu.Lock()
	o.state.Status = models.JobStatusError
	o.state.ErrorMessage = msg
	o.state.Detail = "Failed"
	o.state.ElapsedSeconds = elapsed.Seconds()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	log.Error().Str("job_id", jobID).Str("error", msg).Msg("Clustering job failed")
	recordRun(ctx, string(models.JobStatusError), elapsed, steps)
	o.publish(snap)
}

func (o *Orchestrator) publish(s models.JobState) {
	if o.onUpdate != nil {
		o.onUpdate(s)
	}
}
