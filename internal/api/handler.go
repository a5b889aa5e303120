// Package api provides the HTTP surface of the dispatch service.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"gpudispatch/internal/apperrors"
	"gpudispatch/internal/container"
	"gpudispatch/internal/job"
	"gpudispatch/internal/orchestrator"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// JobService is the orchestration surface the handlers call.
type JobService interface {
	ExecuteJob(ctx context.Context, j *job.Job, p *job.Prompt) (string, error)
	ExecuteBatch(ctx context.Context, batchID string, jobs []job.Job, prompts map[string]*job.Prompt) (*orchestrator.BatchResult, error)
}

// ContainerService exposes container inspection and teardown.
type ContainerService interface {
	GetActiveContainer(ctx context.Context) (*container.Active, error)
	GetContainerLogs(ctx context.Context, kind, jobID string, tail int) (string, error)
	KillContainers(ctx context.Context) ([]container.Kill, error)
}

// Readiness reports whether the remote host is reachable.
type Readiness interface {
	IsConnected(ctx context.Context) bool
}

// Handler contains the HTTP handlers for the dispatch API
type Handler struct {
	store      job.Store
	orch       JobService
	containers ContainerService
	conn       Readiness
}

// NewHandler creates a new API handler
func NewHandler(store job.Store, orch JobService, containers ContainerService, conn Readiness) *Handler {
	return &Handler{store: store, orch: orch, containers: containers, conn: conn}
}

type jobRequest struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Prompt    job.Prompt     `json:"prompt"`
	Config    job.ExecConfig `json:"config"`
}

type jobResponse struct {
	JobID     string `json:"jobId"`
	Container string `json:"container"`
	Status    string `json:"status"`
}

// CreateJob handles POST /v1/jobs. The job is persisted, its container
// started, and a 202 returned while a monitor follows it to completion.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Operation == "" {
		h.writeError(w, http.StatusBadRequest, "Operation is required")
		return
	}

	if req.ID == "" {
		req.ID = newID("run")
	}
	if req.Prompt.ID == "" {
		req.Prompt.ID = newID("prompt")
	}

	j := &job.Job{
		ID:        req.ID,
		PromptID:  req.Prompt.ID,
		Operation: req.Operation,
		Config:    req.Config,
	}
	if err := h.store.CreateJob(r.Context(), j); err != nil {
		h.handleError(w, r, err)
		return
	}

	name, err := h.orch.ExecuteJob(r.Context(), j, &req.Prompt)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, jobResponse{JobID: j.ID, Container: name, Status: job.StateRunning})
}

type batchRequest struct {
	ID   string       `json:"id"`
	Jobs []jobRequest `json:"jobs"`
}

// CreateBatch handles POST /v1/batches. Jobs are persisted up front; the
// batch itself runs in the background since a run can take hours.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Jobs) == 0 {
		h.writeError(w, http.StatusBadRequest, "Batch requires at least one job")
		return
	}
	if req.ID == "" {
		req.ID = newID("batch")
	}

	jobs := make([]job.Job, 0, len(req.Jobs))
	prompts := make(map[string]*job.Prompt, len(req.Jobs))
	for i := range req.Jobs {
		jr := &req.Jobs[i]
		if jr.ID == "" {
			jr.ID = newID("run")
		}
		if jr.Prompt.ID == "" {
			jr.Prompt.ID = newID("prompt")
		}
		j := job.Job{ID: jr.ID, PromptID: jr.Prompt.ID, Operation: job.OpInference, Config: jr.Config}
		if err := h.store.CreateJob(r.Context(), &j); err != nil {
			h.handleError(w, r, err)
			return
		}
		jobs = append(jobs, j)
		p := jr.Prompt
		prompts[p.ID] = &p
	}

	go func() {
		if _, err := h.orch.ExecuteBatch(context.Background(), req.ID, jobs, prompts); err != nil {
			slog.Error("Batch execution failed", "batchId", req.ID, "error", err)
		}
	}()

	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"batchId": req.ID, "jobIds": ids})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// GetJobLogs handles GET /v1/jobs/{jobId}/logs?tail=N
func (h *Handler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	j, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := h.containers.GetContainerLogs(r.Context(), j.Operation, jobID, tail)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "logs": logs})
}

// GetActiveContainer handles GET /v1/containers/active
func (h *Handler) GetActiveContainer(w http.ResponseWriter, r *http.Request) {
	active, err := h.containers.GetActiveContainer(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if active == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"active": true, "container": active})
}

// GetContainerLogs handles GET /v1/containers/logs?tail=N, reading from the
// most recently started engine container.
func (h *Handler) GetContainerLogs(w http.ResponseWriter, r *http.Request) {
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := h.containers.GetContainerLogs(r.Context(), "", "", tail)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// KillContainers handles DELETE /v1/containers
func (h *Handler) KillContainers(w http.ResponseWriter, r *http.Request) {
	kills, err := h.containers.KillContainers(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if kills == nil {
		kills = []container.Kill{}
	}
	n := 0
	for _, k := range kills {
		if k.Killed {
			n++
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"killed": n, "results": kills})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the remote host is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.conn != nil && !h.conn.IsConnected(r.Context()) {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unreachable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func newID(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return prefix + "_" + hex.EncodeToString(buf)
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
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
