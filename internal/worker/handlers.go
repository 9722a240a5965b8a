package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/stepcluster/internal/db/gorm"
	"github.com/thebtf/stepcluster/internal/embedding"
	"github.com/thebtf/stepcluster/internal/privacy"
	"github.com/thebtf/stepcluster/pkg/models"
)

// TestSentence is encoded by the model test endpoint.
const TestSentence = "This is a test sentence."

const maxBodyBytes = 64 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *embedding.ConfigError
	switch {
	case errors.Is(err, ErrJobRunning), errors.Is(err, ErrCorpusBusy):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidThreshold), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, gormdb.ErrRunNotFound), errors.Is(err, gormdb.ErrClusterNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, privacy.RedactError(err))
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, chi.URLParam(r, name))
	}
	return id, nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	steps := 0
	if !s.ready.Load() {
		status, code = "starting", http.StatusServiceUnavailable
	} else if err := s.store.Ping(); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	} else if n, err := s.stepStore.CountSteps(r.Context()); err == nil {
		steps = n
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"steps":          steps,
	})
}

type runRequest struct {
	Threshold           *float64 `json:"threshold"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
}

func (s *Service) handleRunClustering(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	threshold := s.config.DefaultThreshold
	switch {
	case req.SimilarityThreshold != nil:
		threshold = *req.SimilarityThreshold
	case req.Threshold != nil:
		threshold = *req.Threshold
	}

	state, err := s.orchestrator.Start(r.Context(), threshold)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"status": "started", "job": state})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.Status())
}

func (s *Service) handleListClusters(w http.ResponseWriter, r *http.Request) {
	runID, err := gormdb.ParseRunIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	clusters, err := s.runStore.ListClusters(r.Context(), runID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"clusters": clusters})
}

func (s *Service) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	clusterID, err := strconv.Atoi(chi.URLParam(r, "clusterID"))
	if err != nil || clusterID < 0 {
		writeError(w, http.StatusBadRequest, "invalid cluster id")
		return
	}
	runID, err := gormdb.ParseRunIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.runStore.GetCluster(r.Context(), runID, clusterID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"cluster": detail.Summary, "members": detail.Members})
}

func (s *Service) handleSiblings(w http.ResponseWriter, r *http.Request) {
	stepID, err := parseIDParam(r, "stepID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := gormdb.ParseRunIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := gormdb.ParseLimitParam(r, gormdb.DefaultSiblingLimit)
	siblings, err := s.runStore.Siblings(r.Context(), runID, stepID, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"siblings": siblings})
}

func (s *Service) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runStore.ListRuns(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"records": runs})
}

func (s *Service) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "runID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.runStore.GetRun(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"record": detail.Run, "clusters": detail.Clusters})
}

func (s *Service) handleActivateRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "runID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runStore.ActivateRun(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Int64("run_id", id).Msg("Run activated")
	writeOK(w, nil)
}

func (s *Service) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "runID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runStore.DeleteRun(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Int64("run_id", id).Msg("Run deleted")
	writeOK(w, nil)
}

func (s *Service) handleCompareRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id1, err1 := strconv.ParseInt(q.Get("id1"), 10, 64)
	id2, err2 := strconv.ParseInt(q.Get("id2"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "id1 and id2 are required")
		return
	}
	cmp, err := s.runStore.CompareRuns(r.Context(), id1, id2)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"record1":            cmp.Run1,
		"record2":            cmp.Run2,
		"new_labels":         cmp.NewLabels,
		"disappeared_labels": cmp.DisappearedLabels,
		"common_labels":      cmp.CommonLabels,
	})
}

type corpusRequest struct {
	Cases []struct {
		ID         string   `json:"id"`
		Title      string   `json:"title"`
		SourceFile string   `json:"source_file"`
		Steps      []string `json:"steps"`
	} `json:"cases"`
}

// handleReplaceCorpus swaps the stored cases for the posted ones. Existing
// cluster results refer to the old steps and are dropped.
func (s *Service) handleReplaceCorpus(w http.ResponseWriter, r *http.Request) {
	var req corpusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cases := make([]models.TestCase, 0, len(req.Cases))
	steps := 0
	for _, c := range req.Cases {
		cases = append(cases, models.TestCase{ID: c.ID, Title: c.Title, SourceFile: c.SourceFile, Steps: c.Steps})
		steps += len(c.Steps)
	}
	err := s.orchestrator.Exclusive(func() error {
		return s.stepStore.ReplaceCorpus(r.Context(), cases)
	})
	switch {
	case errors.Is(err, ErrJobRunning), errors.Is(err, ErrCorpusBusy):
		s.writeErr(w, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, map[string]any{"cases": len(cases), "steps": steps})
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	stored, err := s.stepStore.GetSettings(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	settings := make(map[string]string, len(backendKeys))
	for _, k := range backendKeys {
		settings[k] = stored[k]
	}
	if settings[gormdb.SettingBackendKind] == "" {
		settings[gormdb.SettingBackendKind] = string(embedding.KindBuiltin)
	}
	writeOK(w, map[string]any{"settings": settings})
}

func (s *Service) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	values := filterSettings(req)
	if err := s.stepStore.SaveSettings(r.Context(), values); err != nil {
		s.writeErr(w, err)
		return
	}
	s.registry.Release()
	log.Info().Str("backend_kind", values[gormdb.SettingBackendKind]).Msg("Settings updated")
	if s.onSettings != nil {
		stored, err := s.stepStore.GetSettings(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to reload settings after update")
		} else {
			s.onSettings(stored)
		}
	}
	writeOK(w, nil)
}

func (s *Service) handleTestModel(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg := s.defaults.backendConfig(filterSettings(req))

	dim, name, err := s.testBackend(r.Context(), cfg)
	if err != nil {
		log.Warn().Str("error", privacy.RedactError(err, cfg.APIKey)).Msg("Model test failed")
		writeError(w, http.StatusBadRequest, privacy.RedactError(err, cfg.APIKey))
		return
	}
	writeOK(w, map[string]any{"dimension": dim, "model_name": name})
}

func (s *Service) testBackend(ctx context.Context, cfg embedding.Config) (int, string, error) {
	backend, err := s.createBackend(cfg)
	if err != nil {
		return 0, "", err
	}
	if l, ok := backend.(embedding.Loader); ok {
		if err := l.Load(ctx); err != nil {
			return 0, "", err
		}
	}
	rows, err := backend.Encode(ctx, []string{TestSentence}, 1)
	if err != nil {
		return 0, "", err
	}
	if len(rows) != 1 {
		return 0, "", fmt.Errorf("backend returned %d rows for 1 text", len(rows))
	}
	return len(rows[0]), backend.Name(), nil
}
