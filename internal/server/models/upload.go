package models

import "time"

// UploadStatus is the lifecycle state of a queued upload.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
	UploadAborted   UploadStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed || s == UploadAborted
}

// QueuedUpload tracks a large upload between local scratch and the blob store.
type QueuedUpload struct {
	ID        string
	OwnerID   string
	FileName  string
	MimeType  string
	LocalPath string
	Size      int64
	Status    UploadStatus
	// StorageKey is set once the blob store accepted the file.
	StorageKey string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
