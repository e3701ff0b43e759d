package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	errMissingETag = errors.New("store accepted the write without an ETag")
	errReadTimeout = errors.New("object body read timed out")
	errEmptyKey    = errors.New("empty object key")
	errStoreClosed = errors.New("blob store closed")
)

// StorageWriteError is returned when every Put attempt failed.
type StorageWriteError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("store %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// StorageReadError is returned when a Get could not produce the object.
type StorageReadError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *StorageReadError) Error() string {
	return fmt.Sprintf("read %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *StorageReadError) Unwrap() error { return e.Err }

// StorageTimeoutError is returned when an operation ran past its overall deadline.
type StorageTimeoutError struct {
	Key   string
	Op    string
	After time.Duration
}

func (e *StorageTimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Op, e.Key, e.After)
}

func (e *StorageTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsNotFound reports whether err means the object does not exist. S3 and
// its look-alikes report this in several shapes.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}

	return statusCode(err) == http.StatusNotFound
}

// isTimeout covers deadline expiry, network timeouts, stalled body reads and
// gateway-style statuses.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errReadTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch statusCode(err) {
	case http.StatusRequestTimeout, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRejected reports whether the store refused the request itself: a 4xx
// other than 408 and 429, or an API error the store attributes to the
// client. Repeating such a request cannot succeed. Transport errors and
// unclassified failures are not rejections.
func isRejected(err error) bool {
	if err == nil || isTimeout(err) {
		return false
	}

	if code := statusCode(err); code != 0 {
		return code >= 400 && code < 500 &&
			code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "SlowDown", "Throttling":
			return false
		}
		return apiErr.ErrorFault() == smithy.FaultClient
	}
	return false
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
