package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mediaflow/internal/models"
	"mediaflow/internal/relay"
	"mediaflow/internal/storage"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Mediaflow-Signature"

type webhookOutput struct {
	MediaID            string   `json:"mediaId"`
	MediaKind          string   `json:"mediaKind"`
	PrimaryPlaylistKey string   `json:"primaryPlaylistKey"`
	PreviewPlaylistKey string   `json:"previewPlaylistKey"`
	ThumbnailKey       string   `json:"thumbnailKey"`
	WaveformKey        string   `json:"waveformKey"`
	WaveformImageKey   string   `json:"waveformImageKey"`
	MezzanineKey       string   `json:"mezzanineKey"`
	ReadyVariants      []string `json:"readyVariants"`
	DurationSeconds    float64  `json:"durationSeconds"`
	Width              int      `json:"width"`
	Height             int      `json:"height"`
	LoudnessIntegrated float64  `json:"loudnessIntegrated"`
	LoudnessTruePeak   float64  `json:"loudnessTruePeak"`
	LoudnessRange      float64  `json:"loudnessRange"`
}

type webhookPayload struct {
	JobID  string         `json:"jobId"`
	Status string         `json:"status"`
	Output *webhookOutput `json:"output"`
	Error  string         `json:"error"`
}

// jobRef pairs the provider's job id with the media id carried in the
// output, if any. The media id lets a notification land even when it beats
// RecordDispatch, while the external id is still the record's only key.
func (p webhookPayload) jobRef() storage.JobRef {
	ref := storage.JobRef{ExternalJobID: strings.TrimSpace(p.JobID)}
	if p.Output != nil {
		ref.ID = strings.TrimSpace(p.Output.MediaID)
	}
	return ref
}

// TranscodeWebhook receives signed progress notifications from the compute
// provider. The signature is verified over the exact raw body bytes before
// any parsing happens; an unverified body is never interpreted.
func (h *Handler) TranscodeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err != nil {
		h.recorder().ObserveWebhook("rejected")
		WriteRequestError(w, ValidationError("unable to read request body"))
		return
	}
	defer r.Body.Close()

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.recorder().ObserveWebhook("rejected")
		h.logger().Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		WriteRequestError(w, AuthenticationError("invalid webhook signature"))
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.recorder().ObserveWebhook("invalid_payload")
		WriteRequestError(w, ValidationError("malformed webhook payload"))
		return
	}
	if strings.TrimSpace(payload.JobID) == "" {
		h.recorder().ObserveWebhook("invalid_payload")
		WriteRequestError(w, ValidationError("jobId is required"))
		return
	}

	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case "processing":
		h.webhookProcessing(w, r, payload)
	case "completed":
		h.webhookCompleted(w, r, payload)
	case "failed":
		h.webhookFailed(w, r, payload)
	default:
		h.recorder().ObserveWebhook("invalid_payload")
		WriteRequestError(w, ValidationError(fmt.Sprintf("unsupported webhook status %q", payload.Status)))
	}
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.WebhookSecret == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.WebhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(provided, expected) == 1
}

func (h *Handler) webhookProcessing(w http.ResponseWriter, r *http.Request, payload webhookPayload) {
	job, changed, err := h.Store.MarkProcessing(payload.jobRef())
	if errors.Is(err, storage.ErrJobNotFound) {
		h.acceptUnknownJob(w, payload.JobID, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.recorder().ObserveWebhook("accepted")
	if changed {
		h.publishJobEvent(r.Context(), relay.EventTypeProcessing, job)
		h.logger().Info("job processing", "job_id", job.ID, "external_job_id", payload.JobID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) webhookCompleted(w http.ResponseWriter, r *http.Request, payload webhookPayload) {
	var outputs models.JobOutputs
	var measured models.JobMetrics
	if payload.Output != nil {
		outputs = models.JobOutputs{
			PrimaryPlaylistKey: payload.Output.PrimaryPlaylistKey,
			PreviewPlaylistKey: payload.Output.PreviewPlaylistKey,
			ThumbnailKey:       payload.Output.ThumbnailKey,
			WaveformKey:        payload.Output.WaveformKey,
			WaveformImageKey:   payload.Output.WaveformImageKey,
			MezzanineKey:       payload.Output.MezzanineKey,
			ReadyVariants:      append([]string(nil), payload.Output.ReadyVariants...),
		}
		measured = models.JobMetrics{
			DurationSeconds:    payload.Output.DurationSeconds,
			Width:              payload.Output.Width,
			Height:             payload.Output.Height,
			LoudnessIntegrated: payload.Output.LoudnessIntegrated,
			LoudnessTruePeak:   payload.Output.LoudnessTruePeak,
			LoudnessRange:      payload.Output.LoudnessRange,
		}
	}

	job, changed, err := h.Store.CompleteJob(payload.jobRef(), outputs, measured)
	if errors.Is(err, storage.ErrJobNotFound) {
		h.acceptUnknownJob(w, payload.JobID, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.recorder().ObserveWebhook("accepted")
	if changed {
		h.recorder().JobCompleted(job.MediaKind)
		h.publishJobEvent(r.Context(), relay.EventTypeReady, job)
		h.logger().Info("job ready", "job_id", job.ID, "external_job_id", payload.JobID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) webhookFailed(w http.ResponseWriter, r *http.Request, payload webhookPayload) {
	message := strings.TrimSpace(payload.Error)
	if message == "" {
		message = "transcode failed"
	}
	job, changed, err := h.Store.FailJob(payload.jobRef(), message)
	if errors.Is(err, storage.ErrJobNotFound) {
		h.acceptUnknownJob(w, payload.JobID, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.recorder().ObserveWebhook("accepted")
	if changed {
		h.recorder().JobFailed(job.MediaKind)
		h.publishJobEvent(r.Context(), relay.EventTypeFailed, job)
		h.logger().Warn("job failed", "job_id", job.ID, "external_job_id", payload.JobID, "error", job.LastError)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// acceptUnknownJob answers 200 for payloads naming a job this service does
// not know. The provider retries on non-2xx and the mismatch is ours to
// investigate, not theirs.
func (h *Handler) acceptUnknownJob(w http.ResponseWriter, externalJobID string, err error) {
	h.recorder().ObserveWebhook("unknown_job")
	h.logger().Warn("webhook for unknown job", "external_job_id", externalJobID, "error", err)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}
