package jobs

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
)

// QueueStatus summarises one queue.
type QueueStatus struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Paused    bool   `json:"paused"`
}

// QueueInspector is the part of asynq.Inspector the status readers need.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// InspectQueues reports every worker queue. A queue that has never received
// a task reads as empty rather than failing.
func InspectQueues(inspector QueueInspector) ([]QueueStatus, error) {
	out := make([]QueueStatus, 0, len(Queues()))
	for _, name := range Queues() {
		status := QueueStatus{Queue: name}
		if inspector != nil {
			info, err := inspector.GetQueueInfo(name)
			switch {
			case errors.Is(err, asynq.ErrQueueNotFound):
			case err != nil:
				return nil, err
			case info != nil:
				status.Pending = info.Pending
				status.Active = info.Active
				status.Scheduled = info.Scheduled
				status.Retry = info.Retry
				status.Archived = info.Archived
				status.Paused = info.Paused
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// Handler exposes job observability endpoints.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs the jobs HTTP handler. A nil inspector reports empty queues.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger}
	if inspector != nil {
		h.inspector = inspector
	}
	return h
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queues, err := InspectQueues(h.inspector)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "job queues unreachable")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": queues})
}
