package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnavailable   = errors.New("server unavailable")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// APIError is an error envelope returned by the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Remaining *int
}

func (e *APIError) Error() string {
	if e.Remaining != nil {
		return fmt.Sprintf("%s: %s (%d remaining)", e.Code, e.Message, *e.Remaining)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match envelopes against the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrQuotaExceeded:
		return e.Code == "DAILY_LIMIT_REACHED" || e.Code == "QUOTA_INSUFFICIENT"
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway
	}
	return false
}
