package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediaflow/internal/models"
	"mediaflow/internal/relay"
	"mediaflow/internal/storage"
)

type createJobRequest struct {
	MediaKind     string `json:"mediaKind"`
	InputLocation string `json:"inputLocation"`
	OwnerID       string `json:"ownerId,omitempty"`
}

type jobOutputsResponse struct {
	PrimaryPlaylistKey string   `json:"primaryPlaylistKey,omitempty"`
	PreviewPlaylistKey string   `json:"previewPlaylistKey,omitempty"`
	ThumbnailKey       string   `json:"thumbnailKey,omitempty"`
	WaveformKey        string   `json:"waveformKey,omitempty"`
	WaveformImageKey   string   `json:"waveformImageKey,omitempty"`
	MezzanineKey       string   `json:"mezzanineKey,omitempty"`
	ReadyVariants      []string `json:"readyVariants,omitempty"`
}

type jobMetricsResponse struct {
	DurationSeconds    float64 `json:"durationSeconds,omitempty"`
	Width              int     `json:"width,omitempty"`
	Height             int     `json:"height,omitempty"`
	LoudnessIntegrated float64 `json:"loudnessIntegrated,omitempty"`
	LoudnessTruePeak   float64 `json:"loudnessTruePeak,omitempty"`
	LoudnessRange      float64 `json:"loudnessRange,omitempty"`
}

type jobResponse struct {
	ID            string              `json:"id"`
	OwnerID       string              `json:"ownerId"`
	MediaKind     string              `json:"mediaKind"`
	InputLocation string              `json:"inputLocation"`
	Status        string              `json:"status"`
	ExternalJobID string              `json:"externalJobId,omitempty"`
	AttemptCount  int                 `json:"attemptCount"`
	LastError     string              `json:"lastError,omitempty"`
	Outputs       *jobOutputsResponse `json:"outputs,omitempty"`
	Metrics       *jobMetricsResponse `json:"metrics,omitempty"`
	CreatedAt     string              `json:"createdAt"`
	UpdatedAt     string              `json:"updatedAt"`
	CompletedAt   *string             `json:"completedAt,omitempty"`
}

func hasOutputs(outputs models.JobOutputs) bool {
	return outputs.PrimaryPlaylistKey != "" ||
		outputs.PreviewPlaylistKey != "" ||
		outputs.ThumbnailKey != "" ||
		outputs.WaveformKey != "" ||
		outputs.WaveformImageKey != "" ||
		outputs.MezzanineKey != "" ||
		len(outputs.ReadyVariants) > 0
}

func newJobResponse(job models.MediaJob) jobResponse {
	resp := jobResponse{
		ID:            job.ID,
		OwnerID:       job.OwnerID,
		MediaKind:     job.MediaKind,
		InputLocation: job.InputLocation,
		Status:        job.Status,
		ExternalJobID: job.ExternalJobID,
		AttemptCount:  job.AttemptCount,
		LastError:     job.LastError,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if hasOutputs(job.Outputs) {
		outputs := jobOutputsResponse{
			PrimaryPlaylistKey: job.Outputs.PrimaryPlaylistKey,
			PreviewPlaylistKey: job.Outputs.PreviewPlaylistKey,
			ThumbnailKey:       job.Outputs.ThumbnailKey,
			WaveformKey:        job.Outputs.WaveformKey,
			WaveformImageKey:   job.Outputs.WaveformImageKey,
			MezzanineKey:       job.Outputs.MezzanineKey,
		}
		if len(job.Outputs.ReadyVariants) > 0 {
			outputs.ReadyVariants = append([]string{}, job.Outputs.ReadyVariants...)
		}
		resp.Outputs = &outputs
	}
	if job.Metrics != (models.JobMetrics{}) {
		metrics := jobMetricsResponse(job.Metrics)
		resp.Metrics = &metrics
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := h.requireAuthenticatedAccount(w, r)
		if !ok {
			return
		}
		ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
		if ownerID == "" {
			if !actor.HasRole(roleAdmin) {
				ownerID = actor.ID
			}
		} else if ownerID != actor.ID && !actor.HasRole(roleAdmin) {
			WriteRequestError(w, &RequestError{Status: http.StatusForbidden, Code: CodeAuthentication, Message: "forbidden"})
			return
		}
		jobs := h.Store.ListJobs(ownerID)
		response := make([]jobResponse, 0, len(jobs))
		for _, job := range jobs {
			response = append(response, newJobResponse(job))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		actor, ok := h.requireAuthenticatedAccount(w, r)
		if !ok {
			return
		}
		var req createJobRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteRequestError(w, ValidationError(err.Error()))
			return
		}
		ownerID := strings.TrimSpace(req.OwnerID)
		if ownerID == "" {
			ownerID = actor.ID
		}
		if ownerID != actor.ID && !actor.HasRole(roleAdmin) {
			WriteRequestError(w, &RequestError{Status: http.StatusForbidden, Code: CodeAuthentication, Message: "forbidden"})
			return
		}
		job, err := h.Store.CreateJob(storage.CreateJobParams{
			OwnerID:       ownerID,
			MediaKind:     req.MediaKind,
			InputLocation: req.InputLocation,
		})
		if err != nil {
			WriteRequestError(w, ValidationError(err.Error()))
			return
		}
		writeJSON(w, http.StatusCreated, newJobResponse(job))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		WriteRequestError(w, NotFoundError("job id missing"))
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		job, ok := h.Store.GetJob(jobID)
		if !ok {
			WriteRequestError(w, NotFoundError(fmt.Sprintf("job %s not found", jobID)))
			return
		}
		if _, ok := h.ensureJobAccess(w, r, job); !ok {
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(job))
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "dispatch":
			h.dispatchJobRoute(w, r, jobID)
			return
		case "retry":
			h.retryJobRoute(w, r, jobID)
			return
		}
	}

	WriteRequestError(w, NotFoundError("unknown job path"))
}

func (h *Handler) dispatchJobRoute(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	job, ok := h.Store.GetJob(jobID)
	if !ok {
		WriteRequestError(w, NotFoundError(fmt.Sprintf("job %s not found", jobID)))
		return
	}
	if _, ok := h.ensureJobAccess(w, r, job); !ok {
		return
	}
	dispatched, err := h.DispatchJob(r.Context(), jobID)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(dispatched))
}

func (h *Handler) retryJobRoute(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	job, ok := h.Store.GetJob(jobID)
	if !ok {
		WriteRequestError(w, NotFoundError(fmt.Sprintf("job %s not found", jobID)))
		return
	}
	if _, ok := h.ensureJobAccess(w, r, job); !ok {
		return
	}

	reset, err := h.Store.ResetForRetry(jobID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrJobNotFound):
			WriteRequestError(w, NotFoundError(fmt.Sprintf("job %s not found", jobID)))
		case errors.Is(err, storage.ErrRetryExhausted):
			WriteRequestError(w, RetryExhaustedError(fmt.Sprintf("job %s has no retries remaining", jobID)))
		case errors.Is(err, storage.ErrWrongStatus):
			WriteRequestError(w, PreconditionError(err.Error()))
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.recorder().JobRetried(reset.MediaKind)
	h.publishJobEvent(r.Context(), relay.EventTypeRetried, reset)
	h.logger().Info("job reset for retry", "job_id", reset.ID, "attempt", reset.AttemptCount)

	dispatched, err := h.DispatchJob(r.Context(), jobID)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(dispatched))
}
