// Package models defines the server-side data shapes shared between the
// storage, queue, conversion and HTTP layers.
package models

import "time"

// StoredFile describes an object written to the blob store.
type StoredFile struct {
	// Key is the object path, always prefixed with the owner id.
	Key string
	// Size in bytes of the stored payload.
	Size int64
	// ContentType as sent to the store.
	ContentType string
	// UploadedAt is when the store acknowledged the write.
	UploadedAt time.Time
}

// SignedURL is a time-limited download link for a stored object.
type SignedURL struct {
	URL       string
	ExpiresIn time.Duration
}
