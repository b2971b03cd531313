package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/phrazzld/shelf/internal/admin"
	"github.com/phrazzld/shelf/internal/api/shared"
	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/redact"
)

// List limits for GET /api/queues/{name}/jobs.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// QueueHandler serves queue inspection and maintenance endpoints.
type QueueHandler struct {
	backend   queue.Backend
	inspector queue.Inspector
	admin     *queue.Queue[admin.Task]
	logger    *slog.Logger
}

// NewQueueHandler creates a QueueHandler. Maintenance requests are enqueued
// on adminQueue rather than executed inline.
func NewQueueHandler(
	backend queue.Backend,
	inspector queue.Inspector,
	adminQueue *queue.Queue[admin.Task],
	log *slog.Logger,
) *QueueHandler {
	if log == nil {
		log = slog.Default()
	}
	return &QueueHandler{
		backend:   backend,
		inspector: inspector,
		admin:     adminQueue,
		logger:    log.With("component", "queue_handler"),
	}
}

// StatsResponse is the body of GET /api/queues/{name}/stats.
type StatsResponse struct {
	Queue   string      `json:"queue"`
	Backend string      `json:"backend"`
	Stats   queue.Stats `json:"stats"`
	Drained bool        `json:"drained"`
}

// JobResponse is the API view of a stored job. Payload is inlined when it is
// JSON and omitted otherwise.
type JobResponse struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Status         queue.Status    `json:"status"`
	Priority       int             `json:"priority"`
	GroupID        string          `json:"group_id,omitempty"`
	RunNumber      int             `json:"run_number"`
	NumRetries     int             `json:"num_retries"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadBytes   int             `json:"payload_bytes"`
	AvailableAt    time.Time       `json:"available_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newJobResponse(j *queue.Job) JobResponse {
	resp := JobResponse{
		ID:             j.ID,
		Queue:          j.Queue,
		Status:         j.Status,
		Priority:       j.Priority,
		GroupID:        j.GroupID,
		RunNumber:      j.RunNumber,
		NumRetries:     j.NumRetries,
		IdempotencyKey: j.IdempotencyKey,
		LastError:      redact.String(j.LastError),
		PayloadBytes:   len(j.Payload),
		AvailableAt:    j.AvailableAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if json.Valid(j.Payload) {
		resp.Payload = json.RawMessage(j.Payload)
	}
	return resp
}

// ListResponse is the body of GET /api/queues/{name}/jobs.
type ListResponse struct {
	Queue string        `json:"queue"`
	Jobs  []JobResponse `json:"jobs"`
}

// AcceptedResponse reports the admin job created for a maintenance request.
type AcceptedResponse struct {
	JobID  string       `json:"job_id"`
	Action admin.Action `json:"action"`
	Queue  string       `json:"queue"`
}

// PurgeRequest is the optional body of POST /api/queues/{name}/purge-failed.
type PurgeRequest struct {
	OlderThanHours int `json:"older_than_hours" validate:"gte=0"`
}

// Stats handles GET /api/queues/{name}/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	stats, err := h.backend.Stats(r.Context(), name)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, StatsResponse{
		Queue:   name,
		Backend: h.backend.Name(),
		Stats:   stats,
		Drained: stats.Drained(),
	})
}

// GetJob handles GET /api/jobs/{id}.
func (h *QueueHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.inspector.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, newJobResponse(job))
}

// ListJobs handles GET /api/queues/{name}/jobs?status=&limit=.
func (h *QueueHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	status := queue.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		HandleAPIError(w, r, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status),
			"Unknown job status")
		return
	}

	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			HandleAPIError(w, r, fmt.Errorf("%w: limit %q", ErrInvalidRequest, raw),
				"Limit must be a positive integer")
			return
		}
		limit = min(n, MaxListLimit)
	}

	jobs, err := h.inspector.ListJobs(r.Context(), name, status, limit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp := ListResponse{Queue: name, Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(j))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// RetryFailed handles POST /api/queues/{name}/retry-failed.
func (h *QueueHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, admin.Task{Action: admin.ActionRetryFailed, Queue: chi.URLParam(r, "name")})
}

// PurgeFailed handles POST /api/queues/{name}/purge-failed.
func (h *QueueHandler) PurgeFailed(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %v", ErrInvalidRequest, err), "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %v", ErrInvalidRequest, err), "older_than_hours must not be negative")
		return
	}

	h.submit(w, r, admin.Task{
		Action:         admin.ActionPurgeFailed,
		Queue:          chi.URLParam(r, "name"),
		OlderThanHours: req.OlderThanHours,
	})
}

func (h *QueueHandler) submit(w http.ResponseWriter, r *http.Request, t admin.Task) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, err := admin.Submit(r.Context(), h.admin, t)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	subject, _ := shared.GetSubject(r.Context())
	log.Info("maintenance task accepted",
		"action", t.Action,
		"target_queue", t.Queue,
		"job_id", id,
		"subject", subject)

	shared.RespondWithJSON(w, r, http.StatusAccepted, AcceptedResponse{
		JobID:  id,
		Action: t.Action,
		Queue:  t.Queue,
	})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("failed to write health check response", "error", err)
	}
}
