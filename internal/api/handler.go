// Package api provides the HTTP API handlers and routing for the container
// operations service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"containerops/internal/apperrors"
	"containerops/internal/health"
	"containerops/internal/job"
	"containerops/internal/notify"
	"containerops/internal/stats"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// idempotencyKeyHeader carries the client's idempotency key for job creation.
const idempotencyKeyHeader = "Idempotency-Key"

// createJobScope namespaces idempotency keys to the job-creation endpoint.
const createJobScope = "POST /v1/jobs"

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc      *job.Service
	stats    *stats.Aggregator
	health   *health.Checker
	notifier *notify.Notifier
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, aggregator *stats.Aggregator, healthChecker *health.Checker, notifier *notify.Notifier) *Handler {
	return &Handler{
		svc:      svc,
		stats:    aggregator,
		health:   healthChecker,
		notifier: notifier,
	}
}

// CreateJob handles POST /v1/jobs.
// With an Idempotency-Key header the create is exactly-once per (key, route):
// a retry with the same key and body replays the original job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body: "+err.Error())
		return
	}

	var spec job.Spec
	if err := json.Unmarshal(body, &spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	var created *job.Job
	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		created, err = h.svc.CreateWithIdempotency(r.Context(), key, createJobScope, job.HashRequest(body), spec)
	} else {
		created, err = h.svc.Create(r.Context(), spec)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, created)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles DELETE /v1/jobs/{jobId}.
// Cancellation marks intent on the record; a worker mid-execution observes
// it asynchronously. Terminal jobs cannot be cancelled.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Job ID is required")
		return
	}

	ok, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		// Distinguish a missing job from one already settled.
		if _, err := h.svc.Get(r.Context(), jobID); err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeError(w, http.StatusConflict, "CONFLICT", "Job is already in a terminal state")
		return
	}

	if j, err := h.svc.Get(r.Context(), jobID); err == nil {
		h.notifier.JobFinished(r.Context(), j)
	}

	w.WriteHeader(http.StatusNoContent)
}

// reportRequest is a worker-side status or progress report.
type reportRequest struct {
	Status   job.Status      `json:"status,omitempty"`
	Progress *job.Progress   `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *job.Error      `json:"error,omitempty"`
}

// ReportJob handles PATCH /v1/jobs/{jobId} - status and progress reports
// from out-of-process workers. Invalid transitions and reports against
// terminal jobs are tolerated: the response carries applied=false instead
// of an error.
func (h *Handler) ReportJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Job ID is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	var applied bool
	var err error
	switch {
	case req.Status != "":
		applied, err = h.svc.UpdateStatus(r.Context(), jobID, req.Status, job.StatusUpdate{
			Progress: req.Progress,
			Result:   req.Result,
			Error:    req.Error,
		})
	case req.Progress != nil:
		applied, err = h.svc.UpdateProgress(r.Context(), jobID, req.Progress.Current, req.Progress.Message)
	default:
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Either status or progress is required")
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// ListJobs handles GET /v1/jobs?inProgress=true - the in-progress listing
// used to spot jobs stuck in pending or running. Only the in-progress view
// is served; unscoped listings go through the target routes.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("inProgress") != "true" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "inProgress=true is required")
		return
	}

	jobs, err := h.svc.FindInProgress(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// ListTargetJobs handles GET /v1/targets/{targetType}/{targetId}/jobs.
// Query params: status (optional filter), limit (default 50).
func (h *Handler) ListTargetJobs(w http.ResponseWriter, r *http.Request) {
	targetType := job.TargetType(r.PathValue("targetType"))
	targetID := r.PathValue("targetId")

	q := job.TargetQuery{Status: job.Status(r.URL.Query().Get("status"))}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := parseLimit(limit)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		q.Limit = n
	}

	jobs, err := h.svc.FindByTarget(r.Context(), targetType, targetID, q)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// LatestTargetJob handles GET /v1/targets/{targetType}/{targetId}/jobs/latest
func (h *Handler) LatestTargetJob(w http.ResponseWriter, r *http.Request) {
	targetType := job.TargetType(r.PathValue("targetType"))
	targetID := r.PathValue("targetId")

	j, err := h.svc.FindLatestByTarget(r.Context(), targetType, targetID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if j == nil {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Target has no jobs")
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	result, err := h.stats.JobStats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (store, runtime) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, apperrors.Code(err), err.Error())
}

func parseLimit(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > 1000 {
		return 0, errors.New("limit must not exceed 1000")
	}
	return n, nil
}
