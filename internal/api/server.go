package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mediaqueue/internal/models"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/status"
	"mediaqueue/internal/telemetry"
)

// maxBatchIDs bounds POST /jobs/status.
const maxBatchIDs = 100

// Server wires HTTP handlers for producers and pollers.
type Server struct {
	broker *queue.Broker
	cache  *status.Cache
	logger zerolog.Logger
}

// New constructs the API server.
func New(broker *queue.Broker, cache *status.Cache, logger zerolog.Logger) *Server {
	return &Server{
		broker: broker,
		cache:  cache,
		logger: logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Post("/jobs/status", s.handleBatchStatus)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/info", s.handleJobInfo)
	r.Get("/sessions/{id}/jobs", s.handleSessionJobs)
	r.Get("/stats", s.handleStats)
	return r
}

type enqueueRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
	Attempts int             `json:"attempts"`
	DelayMs  int64           `json:"delayMs"`
	Backoff  *models.Backoff `json:"backoff"`
}

type enqueueResponse struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	Status models.Status `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.DelayMs < 0 {
		http.Error(w, "delayMs must not be negative", http.StatusBadRequest)
		return
	}
	opts := queue.EnqueueOptions{
		Priority: req.Priority,
		Attempts: req.Attempts,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
		Backoff:  req.Backoff,
	}

	id, err := s.broker.EnqueueRaw(r.Context(), req.Type, req.Payload, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	telemetry.JobsEnqueued.WithLabelValues(req.Type, priority).Inc()

	// Skipped when a worker already wrote a status. A failed write is covered
	// by the broker fallback on reads.
	if _, err := s.cache.InitJobStatus(r.Context(), id, models.JobType(req.Type)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("write pending status")
	}
	s.logger.Info().Str("job_id", id).Str("type", req.Type).Str("priority", priority).Msg("job enqueued")
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Type: req.Type, Status: models.StatusPending})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.broker.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type batchStatusRequest struct {
	IDs []string `json:"ids"`
}

// handleBatchStatus answers from the cache and falls back to the broker for
// misses. Unknown ids are omitted.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.IDs) > maxBatchIDs {
		http.Error(w, "too many ids", http.StatusBadRequest)
		return
	}
	found, err := s.cache.GetJobStatuses(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var missing []string
	for _, id := range req.IDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	infos, err := s.broker.GetJobs(r.Context(), missing)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, info := range infos {
		st, err := info.AsStatus()
		if err != nil {
			s.writeError(w, err)
			return
		}
		found[info.ID] = *st
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": found})
}

func (s *Server) handleSessionJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.broker.GetJobsBySession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.JobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker unavailable"})
		return
	}
	if err := s.cache.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "cache unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookup reads the status cache, then the broker on a miss.
func (s *Server) lookup(ctx context.Context, id string) (*models.JobStatus, error) {
	st, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("status cache read failed")
	}
	if st != nil {
		return st, nil
	}
	info, err := s.broker.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.AsStatus()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, models.ErrUnknownJobType),
		errors.Is(err, models.ErrInvalidPriority):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
