// Package httpx provides HTTP handlers and utilities for the theia job intake API.
package httpx

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
	"github.com/project-theia/theia-api/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc    *service.JobService
	Logger *slog.Logger
}

// Submit handles HTTP requests to submit a new diagnostic job.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Submit(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.Logger, "submit_failed", err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	WriteJSON(w, http.StatusCreated, job)
}

// List handles HTTP requests to list jobs, newest first.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	opts := model.JobListOptions{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := model.JobStatus(strings.ToUpper(raw))
		opts.Status = &status
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, "list_failed", err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Stats handles HTTP requests to retrieve job counts per status.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, "stats_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Get handles HTTP requests to retrieve a full job record.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.Svc.GetByID(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, h.Logger, "get_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// GetStatus handles HTTP requests to retrieve the status of a specific job.
func (h *JobHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	status, err := h.Svc.GetStatus(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, h.Logger, "get_status_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// GetResult handles HTTP requests to retrieve the result or failure reason of a job.
func (h *JobHandlers) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	res, err := h.Svc.GetResult(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, h.Logger, "get_result_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Retry handles HTTP requests to resubmit a FAILED job.
func (h *JobHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.Svc.Retry(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, h.Logger, "retry_failed", err)
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

// jobID extracts the path id. Malformed ids cannot name a stored job and are
// answered with 404 before reaching the store.
func (h *JobHandlers) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.PathValue("id"))
	if raw == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     apperrors.Validation("job id is required"),
		})
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusNotFound,
			ErrCode: string(apperrors.ErrCodeNotFound),
			Err:     apperrors.NotFoundf("job %s not found", raw),
		})
		return "", false
	}
	return id.String(), true
}
