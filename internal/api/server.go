package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"jobqueue/internal/queue"
	"jobqueue/internal/ratelimit"
	"jobqueue/internal/telemetry"
)

// Server wires the HTTP handlers described in spec.md's external-interfaces
// section: a producer-facing façade that is explicitly NOT part of the
// core, built from the core's Producer API.
type Server struct {
	producer *queue.Producer
	limiter  *ratelimit.TokenBucket
	recorder telemetry.Recorder
}

// New constructs the API server. limiter may be nil to disable per-tenant
// request throttling.
func New(producer *queue.Producer, limiter *ratelimit.TokenBucket, recorder telemetry.Recorder) *Server {
	return &Server{producer: producer, limiter: limiter, recorder: recorder}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Delete("/jobs/{id}", s.handleRemove)
	r.Get("/counts", s.handleCounts)
	r.Post("/pause", s.handlePause)
	r.Post("/resume", s.handleResume)
	return r
}

type enqueueRequest struct {
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	JobID        string          `json:"job_id"`
	Priority     int             `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
	Attempts     int             `json:"attempts"`
	GroupKey     string          `json:"group_key"`
}

type enqueueResponse struct {
	JobID      string `json:"job_id"`
	Idempotent bool   `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Data == nil {
		req.Data = json.RawMessage(`{}`)
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, idempotent, err := s.producer.Add(r.Context(), req.Name, req.Data, queue.JobOptions{
		JobID:    req.JobID,
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySeconds) * time.Second,
		Attempts: req.Attempts,
		GroupKey: req.GroupKey,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.producer.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.producer.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := job.Retry(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.producer.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := job.Remove(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.producer.GetJobCounts(r.Context())
	if err != nil {
		http.Error(w, "failed to read job counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.producer.Pause(r.Context()); err != nil {
		http.Error(w, "failed to pause queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.producer.Resume(r.Context()); err != nil {
		http.Error(w, "failed to resume queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
