package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
	"github.com/dmitrijs2005/convertly/internal/server/uploadqueue"
	"github.com/dmitrijs2005/convertly/internal/server/zipper"
)

// Error codes returned in the error envelope.
const (
	CodeNoFile            = "NO_FILE"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeDailyLimitReached = "DAILY_LIMIT_REACHED"
	CodeQuotaInsufficient = "QUOTA_INSUFFICIENT"
	CodeUploadFailed      = "UPLOAD_FAILED"
	CodeConversionFailed  = "CONVERSION_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalError     = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Remaining *int   `json:"remaining,omitempty"`
}

// WriteError writes {"error":{"code","message"}} with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the envelope an error is rendered as.
type apiError struct {
	status    int
	code      string
	message   string
	remaining *int
	internal  bool
}

func classify(err error) apiError {
	var qe *quota.QuotaError
	var te *converter.ToolError
	var we *blobstore.StorageWriteError
	var re *blobstore.StorageReadError
	var to *blobstore.StorageTimeoutError
	var mbe *http.MaxBytesError

	switch {
	case errors.As(err, &qe):
		code := CodeDailyLimitReached
		if qe.Kind == quota.KindInsufficient {
			code = CodeQuotaInsufficient
		}
		remaining := qe.Remaining
		return apiError{status: http.StatusTooManyRequests, code: code, message: qe.Error(), remaining: &remaining}
	case errors.Is(err, common.ErrNoFile):
		return apiError{status: http.StatusBadRequest, code: CodeNoFile, message: "no file uploaded"}
	case errors.As(err, &mbe):
		return apiError{status: http.StatusRequestEntityTooLarge, code: CodeValidationError, message: "file is too large"}
	case errors.Is(err, common.ErrorValidation), errors.Is(err, common.ErrUnsupportedFormat):
		return apiError{status: http.StatusBadRequest, code: CodeValidationError, message: err.Error()}
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired):
		return apiError{status: http.StatusUnauthorized, code: CodeUnauthorized, message: err.Error()}
	case errors.Is(err, common.ErrorForbidden):
		return apiError{status: http.StatusForbidden, code: CodeForbidden, message: "access denied"}
	case errors.Is(err, common.ErrorNotFound), errors.Is(err, zipper.ErrNothingToZip):
		return apiError{status: http.StatusNotFound, code: CodeNotFound, message: err.Error()}
	case errors.Is(err, common.ErrUploadAborted):
		return apiError{status: http.StatusConflict, code: CodeUploadFailed, message: err.Error()}
	case errors.Is(err, common.ErrUploadFailed), errors.As(err, &we):
		return apiError{status: http.StatusBadGateway, code: CodeUploadFailed, message: "upload failed", internal: true}
	case errors.Is(err, common.ErrConversionAborted):
		return apiError{status: http.StatusConflict, code: CodeConversionFailed, message: err.Error()}
	case errors.As(err, &te):
		return apiError{status: http.StatusUnprocessableEntity, code: CodeConversionFailed, message: te.Message}
	case errors.As(err, &to):
		return apiError{status: http.StatusGatewayTimeout, code: CodeInternalError, message: "storage timed out", internal: true}
	case errors.As(err, &re):
		return apiError{status: http.StatusBadGateway, code: CodeInternalError, message: "storage read failed", internal: true}
	case errors.Is(err, uploadqueue.ErrQueueClosed):
		return apiError{status: http.StatusServiceUnavailable, code: CodeInternalError, message: "server is shutting down"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{status: http.StatusGatewayTimeout, code: CodeInternalError, message: "request timed out", internal: true}
	default:
		return apiError{status: http.StatusInternalServerError, code: CodeInternalError, message: "internal error", internal: true}
	}
}

// writeErr renders err in the envelope. Server-side failures are logged
// with their cause, the client only sees a generic message.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	if ae.internal {
		h.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		h.log.Debug(r.Context(), "request rejected", "path", r.URL.Path, "code", ae.code, "error", err)
	}
	writeJSON(w, ae.status, errorBody{Error: errorDetail{Code: ae.code, Message: ae.message, Remaining: ae.remaining}})
}
