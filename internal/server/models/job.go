package models

import "time"

// JobState is the lifecycle state of a conversion job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobConverting JobState = "converting"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobAborted    JobState = "aborted"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobAborted
}

// JobProgress is the externally visible progress of a conversion, keyed by
// job id (or upload id while the source is still uploading).
type JobProgress struct {
	JobID     string    `json:"jobId"`
	OwnerID   string    `json:"ownerId"`
	State     JobState  `json:"state"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
