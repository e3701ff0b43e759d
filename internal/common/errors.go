// Package common defines shared constants and sentinel errors used across
// client and server layers of convertly. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorForbidden    = errors.New("forbidden")
	ErrorValidation   = errors.New("validation error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Request errors.
	ErrNoFile            = errors.New("no file uploaded")
	ErrUnsupportedFormat = errors.New("unsupported format")

	// Upload errors.
	ErrUploadFailed  = errors.New("upload failed")
	ErrUploadAborted = errors.New("upload aborted")

	// Conversion errors.
	ErrConversionAborted = errors.New("conversion aborted")
)
