package models

import (
	"strings"
	"time"
)

// Media kinds accepted by the pipeline.
const (
	MediaKindVideo = "video"
	MediaKindAudio = "audio"
)

// Job statuses. Transitions are strictly ordered: uploaded -> dispatched ->
// processing -> ready|failed, plus the single failed -> uploaded retry reset.
const (
	JobStatusUploaded   = "uploaded"
	JobStatusDispatched = "dispatched"
	JobStatusProcessing = "processing"
	JobStatusReady      = "ready"
	JobStatusFailed     = "failed"
)

// MaxJobAttempts caps how many times a job may be re-dispatched after failing.
const MaxJobAttempts = 1

// ValidMediaKind reports whether kind names a supported media kind.
func ValidMediaKind(kind string) bool {
	switch kind {
	case MediaKindVideo, MediaKindAudio:
		return true
	default:
		return false
	}
}

// TerminalJobStatus reports whether status is one of the terminal states.
func TerminalJobStatus(status string) bool {
	return status == JobStatusReady || status == JobStatusFailed
}

type Account struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the account has the provided role, ignoring case.
func (a Account) HasRole(role string) bool {
	for _, existing := range a.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// JobOutputs holds the object-storage keys produced by a successful transcode.
// Which keys are populated depends on the media kind: video jobs carry the
// playlist, preview, thumbnail and mezzanine keys, audio jobs carry the
// playlist plus waveform artifacts.
type JobOutputs struct {
	PrimaryPlaylistKey string   `json:"primaryPlaylistKey,omitempty"`
	PreviewPlaylistKey string   `json:"previewPlaylistKey,omitempty"`
	ThumbnailKey       string   `json:"thumbnailKey,omitempty"`
	WaveformKey        string   `json:"waveformKey,omitempty"`
	WaveformImageKey   string   `json:"waveformImageKey,omitempty"`
	MezzanineKey       string   `json:"mezzanineKey,omitempty"`
	ReadyVariants      []string `json:"readyVariants,omitempty"`
}

// JobMetrics holds measurements reported by the transcoder on completion.
type JobMetrics struct {
	DurationSeconds    float64 `json:"durationSeconds,omitempty"`
	Width              int     `json:"width,omitempty"`
	Height             int     `json:"height,omitempty"`
	LoudnessIntegrated float64 `json:"loudnessIntegrated,omitempty"`
	LoudnessTruePeak   float64 `json:"loudnessTruePeak,omitempty"`
	LoudnessRange      float64 `json:"loudnessRange,omitempty"`
}

type MediaJob struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	MediaKind     string     `json:"mediaKind"`
	InputLocation string     `json:"inputLocation"`
	Status        string     `json:"status"`
	ExternalJobID string     `json:"externalJobId,omitempty"`
	AttemptCount  int        `json:"attemptCount"`
	LastError     string     `json:"lastError,omitempty"`
	Outputs       JobOutputs `json:"outputs"`
	Metrics       JobMetrics `json:"metrics"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}
