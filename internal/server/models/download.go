package models

import "time"

// DownloadStatus is the state of a conversion result awaiting download.
type DownloadStatus string

const (
	DownloadProcessing DownloadStatus = "processing"
	DownloadReady      DownloadStatus = "ready"
	DownloadFailed     DownloadStatus = "failed"
)

// DownloadRecord is the bookkeeping row for one conversion output.
type DownloadRecord struct {
	ID         string
	UserID     string
	JobID      string
	SourcePath string
	OutputPath string
	Format     string
	Quality    string
	Status     DownloadStatus
	Error      string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}
