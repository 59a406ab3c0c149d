package api

import (
	"context"
	"errors"
	"fmt"

	"mediaflow/internal/models"
	"mediaflow/internal/relay"
	"mediaflow/internal/storage"
	"mediaflow/internal/transcoder"
)

// DispatchJob claims an uploaded job, submits it to the transcode provider,
// and records the provider's job handle. The claim is a conditional update:
// when two callers race, exactly one wins and the loser observes a conflict.
// If the provider call fails the claim is released so the job stays eligible
// for a later dispatch.
func (h *Handler) DispatchJob(ctx context.Context, jobID string) (models.MediaJob, error) {
	claimed, err := h.Store.ClaimForDispatch(jobID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrJobNotFound):
			return models.MediaJob{}, NotFoundError(fmt.Sprintf("job %s not found", jobID))
		case errors.Is(err, storage.ErrWrongStatus):
			return models.MediaJob{}, PreconditionError(err.Error())
		default:
			return models.MediaJob{}, err
		}
	}

	h.recorder().ObserveDispatchAttempt("submit")
	submission, err := h.controller().SubmitJob(ctx, transcoder.JobRequest{
		JobID:         claimed.ID,
		OwnerID:       claimed.OwnerID,
		MediaKind:     claimed.MediaKind,
		InputLocation: claimed.InputLocation,
	})
	if err != nil {
		h.recorder().ObserveDispatchFailure("submit")
		if _, releaseErr := h.Store.ReleaseDispatch(claimed.ID); releaseErr != nil {
			h.logger().Error("failed to release dispatch claim", "job_id", claimed.ID, "error", releaseErr)
		}
		h.logger().Error("transcoder submission failed", "job_id", claimed.ID, "error", err)
		return models.MediaJob{}, UpstreamError(fmt.Sprintf("transcoder submission failed: %v", err))
	}

	dispatched, err := h.Store.RecordDispatch(claimed.ID, submission.ExternalJobID)
	if err != nil {
		h.logger().Error("failed to record dispatch", "job_id", claimed.ID, "external_job_id", submission.ExternalJobID, "error", err)
		return models.MediaJob{}, err
	}

	h.recorder().JobDispatched(dispatched.MediaKind)
	h.publishJobEvent(ctx, relay.EventTypeDispatched, dispatched)
	h.logger().Info("job dispatched",
		"job_id", dispatched.ID,
		"external_job_id", dispatched.ExternalJobID,
		"media_kind", dispatched.MediaKind,
		"queue_status", submission.QueueStatus,
	)
	return dispatched, nil
}
