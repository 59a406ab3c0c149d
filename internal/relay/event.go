package relay

import "time"

// EventType enumerates the job lifecycle events published to downstream
// consumers such as notification fan-out and analytics.
type EventType string

const (
	// EventTypeDispatched fires when a job is handed to the provider.
	EventTypeDispatched EventType = "job.dispatched"
	// EventTypeProcessing fires when the provider reports progress.
	EventTypeProcessing EventType = "job.processing"
	// EventTypeReady fires when a transcode completes successfully.
	EventTypeReady EventType = "job.ready"
	// EventTypeFailed fires when a transcode fails.
	EventTypeFailed EventType = "job.failed"
	// EventTypeRetried fires when a failed job is reset for another attempt.
	EventTypeRetried EventType = "job.retried"
)

// Event is the wire representation of a job status transition.
type Event struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"jobId"`
	OwnerID       string    `json:"ownerId"`
	MediaKind     string    `json:"mediaKind"`
	Status        string    `json:"status"`
	ExternalJobID string    `json:"externalJobId,omitempty"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
