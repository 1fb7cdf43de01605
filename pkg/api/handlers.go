package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"g3/pkg/job"
	"g3/pkg/orchestrator"
	"g3/pkg/persistence"
	"g3/pkg/version"
)

const maxRequestBodySize = 1 << 20

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Blueprint   *job.Blueprint `json:"blueprint,omitempty"`
	Requirement string         `json:"requirement"`
}

// SubmitResponse acknowledges a queued job.
type SubmitResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Stats())
}

// handleSubmit implements POST /jobs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}

	j, err := s.svc.Submit(r.Context(), req.Requirement, req.Blueprint)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("Accepted job %s", j.ID)
	w.Header().Set("Location", "/jobs/"+j.ID)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: j.ID, Status: j.Status})
}

// handleListJobs implements GET /jobs?status=A,B&limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var f persistence.JobFilter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := job.ParseStatus(part)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	jobs, err := s.svc.ListJobs(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// handleArtifacts lists current artifacts, or every version with ?all=true.
// Content is left out; fetch it per artifact.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	arts, err := s.svc.GetArtifacts(r.Context(), chi.URLParam(r, "jobID"), all)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]job.Artifact, 0, len(arts))
	for _, a := range arts {
		c := *a
		c.Content = ""
		out = append(out, c)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetArtifact(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "artifactID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Artifact-Path", a.FilePath)
	w.Header().Set("X-Artifact-Checksum", a.Checksum)
	if _, err := w.Write([]byte(a.Content)); err != nil {
		s.logger.Debug("Artifact %s: client went away: %v", a.ID, err)
	}
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.GetContract(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleValidations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := s.svc.GetStatus(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	results, err := s.svc.Validations(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if results == nil {
		results = []*job.ValidationResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleRepairs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := s.svc.GetStatus(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	attempts, err := s.svc.RepairAttempts(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if attempts == nil {
		attempts = []job.RepairAttempt{}
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

// handleCancel implements POST /jobs/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

// statusFor maps the job error taxonomy onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case job.IsInvalidInput(err):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrArtifactNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrNoContract):
		return http.StatusNotFound, "no_contract"
	case errors.Is(err, job.ErrJobTerminal), errors.Is(err, job.ErrContractLocked):
		return http.StatusConflict, "conflict"
	case errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed: %v", err)
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
