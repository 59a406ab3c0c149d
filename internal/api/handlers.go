package api

import (
	"context"
	"log/slog"
	"net/http"

	"mediaflow/internal/auth"
	"mediaflow/internal/models"
	"mediaflow/internal/observability/metrics"
	"mediaflow/internal/relay"
	"mediaflow/internal/storage"
	"mediaflow/internal/transcoder"
)

type Handler struct {
	Store         storage.Repository
	Keys          *auth.KeyManager
	Transcoder    transcoder.Controller
	Relay         relay.Queue
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	WebhookSecret string
}

func NewHandler(store storage.Repository, keys *auth.KeyManager) *Handler {
	if keys == nil {
		keys = auth.NewKeyManager()
	}
	return &Handler{Store: store, Keys: keys}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) controller() transcoder.Controller {
	if h.Transcoder != nil {
		return h.Transcoder
	}
	return transcoder.NoopController{}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	services := map[string]string{}
	if h.Keys != nil {
		if err := h.Keys.Ping(r.Context()); err != nil {
			status = "degraded"
			services["keys"] = err.Error()
		} else {
			services["keys"] = "ok"
		}
	}
	payload := map[string]interface{}{
		"status":   status,
		"services": services,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) publishJobEvent(ctx context.Context, eventType relay.EventType, job models.MediaJob) {
	if h.Relay == nil {
		return
	}
	event := relay.Event{
		Type:          eventType,
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		MediaKind:     job.MediaKind,
		Status:        job.Status,
		ExternalJobID: job.ExternalJobID,
		Error:         job.LastError,
		OccurredAt:    job.UpdatedAt,
	}
	if err := h.Relay.Publish(ctx, event); err != nil {
		h.recorder().ObserveRelay("failed")
		h.logger().Warn("relay publish failed", "job_id", job.ID, "event", string(eventType), "error", err)
		return
	}
	h.recorder().ObserveRelay("published")
}
