package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"socialwatch/internal/jobs"
	"socialwatch/internal/models"
	"socialwatch/internal/monitor"
	"socialwatch/internal/quota"
	"socialwatch/internal/telemetry"
)

// Server wires the HTTP control surface: manual extraction triggers, job
// and quota status, and cancellation.
type Server struct {
	loop    *monitor.Loop
	queue   *jobs.Queue
	tracker *quota.Tracker
	logger  *logrus.Logger
}

// New constructs the API server.
func New(loop *monitor.Loop, queue *jobs.Queue, tracker *quota.Tracker, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{loop: loop, queue: queue, tracker: tracker, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/extractions", s.handleSubmitExtraction)
	r.Get("/jobs/{id}", s.handleJobStatus)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/quota", s.handleQuotaList)
	r.Get("/quota/{configID}", s.handleQuotaStatus)
	r.Get("/stats", s.handleStats)
	return r
}

type submitRequest struct {
	EntityIDs []string `json:"entity_ids"`
	Priority  string   `json:"priority"`
}

type submitResponse struct {
	JobIDs []string `json:"job_ids"`
}

func (s *Server) handleSubmitExtraction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.EntityIDs) == 0 {
		http.Error(w, "entity_ids is required", http.StatusBadRequest)
		return
	}

	jobIDs, err := s.loop.SubmitManualExtraction(r.Context(), req.EntityIDs, jobs.ParsePriority(req.Priority))
	if err != nil {
		s.logger.WithError(err).Warn("manual extraction submit failed")
		// Partial submissions are still reported so callers can track them.
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"job_ids": jobIDs,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobIDs: jobIDs})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.queue.Progress(id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

func (s *Server) handleQuotaList(w http.ResponseWriter, _ *http.Request) {
	ids := s.tracker.ConfigIDs()
	statuses := make([]models.QuotaStatus, 0, len(ids))
	for _, id := range ids {
		status, err := s.tracker.Status(id)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "configID")
	status, err := s.tracker.Status(configID)
	if err != nil {
		if errors.Is(err, quota.ErrUnknownConfig) {
			http.Error(w, "unknown config", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.DrainStats())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
