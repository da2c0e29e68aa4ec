package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chimeworks/chime/job"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// submitRequest is the body of POST /api/jobs.
type submitRequest struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
}

// HandleJobs handles requests to /api/jobs
// POST: submit a job
// GET: list the caller's jobs
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleJob handles requests to /api/jobs/{id}
// GET: get job details
// Sub-resources: /api/jobs/{id}/cancel, /api/jobs/{id}/retry, /api/jobs/{id}/events
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	if len(pathParts) > 1 {
		switch pathParts[1] {
		case "cancel":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			s.handleCancelJob(w, r, jobID)
		case "retry":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			s.handleRetryJob(w, r, jobID)
		case "events":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			s.handleJobEvents(w, r, jobID)
		default:
			writeError(w, http.StatusNotFound, "Unknown job sub-resource")
		}
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.handleGetJob(w, r, jobID)
}

// handleSubmitJob validates and submits a new job.
// A scheduled time in the past is rejected here; submitters must name a
// future (or current) moment. Retries computed by the engine are exempt
// from this check.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ScheduledTime.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_time is required")
		return
	}
	if req.ScheduledTime.Before(time.Now()) {
		writeError(w, http.StatusBadRequest, "scheduled_time cannot be in the past")
		return
	}

	j, err := s.engine.Submit(r.Context(), owner, req.Name, req.Description, req.Payload, req.ScheduledTime, req.MaxAttempts)
	if err != nil {
		handleError(w, s.logger, err, "failed to submit job")
		return
	}

	s.logger.Infow("Job submitted",
		"job_id", shortID(j.ID),
		"name", j.Name,
		"owner", owner,
		"remote", r.RemoteAddr,
	)
	writeJSON(w, http.StatusCreated, j)
}

// handleListJobs lists the caller's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)

	var status *job.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !job.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "invalid status filter: "+raw)
			return
		}
		st := job.Status(raw)
		status = &st
	}

	jobs, err := s.engine.List(r.Context(), owner, status, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob retrieves a specific job by ID
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	j, err := s.engine.Get(r.Context(), jobID, owner)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// handleCancelJob requests cancellation of a job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	j, err := s.engine.Cancel(r.Context(), jobID, owner)
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel job")
		return
	}

	s.logger.Infow("Cancel requested", "job_id", shortID(jobID), "owner", owner, "status", j.Status)
	writeJSON(w, http.StatusOK, j)
}

// handleRetryJob manually retries a failed job
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	j, err := s.engine.Retry(r.Context(), jobID, owner)
	if err != nil {
		handleError(w, s.logger, err, "failed to retry job")
		return
	}

	s.logger.Infow("Manual retry", "job_id", shortID(jobID), "owner", owner, "eta", j.ScheduledTime)
	writeJSON(w, http.StatusOK, j)
}

// HandleStatus reports engine health and per-status job counts.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	st, err := s.engine.Status(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to collect status")
		return
	}

	writeJSON(w, http.StatusOK, st)
}
