package transcoder

import (
	"context"
	"errors"
)

// ErrControllerUnavailable indicates that no transcoder endpoint has been
// configured, so jobs cannot be submitted.
var ErrControllerUnavailable = errors.New("transcoder controller unavailable")

// JobRequest describes a transcode submission to the compute provider.
// WebhookURL and WebhookSecret override the controller's configured callback
// when set; most callers leave them empty.
type JobRequest struct {
	JobID         string
	OwnerID       string
	MediaKind     string
	InputLocation string
	WebhookURL    string
	WebhookSecret string
}

// JobSubmission is the provider's acknowledgement of a queued job.
type JobSubmission struct {
	ExternalJobID string
	QueueStatus   string
}

// Controller submits transcode jobs to the external compute provider.
type Controller interface {
	SubmitJob(ctx context.Context, req JobRequest) (JobSubmission, error)
	CancelJob(ctx context.Context, externalJobID string) error
}

// NoopController rejects all submissions. It stands in when no provider is
// configured so the rest of the service can still start.
type NoopController struct{}

func (NoopController) SubmitJob(context.Context, JobRequest) (JobSubmission, error) {
	return JobSubmission{}, ErrControllerUnavailable
}

func (NoopController) CancelJob(context.Context, string) error {
	return ErrControllerUnavailable
}
