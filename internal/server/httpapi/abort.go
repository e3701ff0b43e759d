package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/server/auth"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
)

type abortUploadRequest struct {
	UploadID string `json:"uploadId"`
}

type abortConversionRequest struct {
	JobID string `json:"jobId"`
}

type abortedResponse struct {
	Aborted bool `json:"aborted"`
}

type abortedCountResponse struct {
	Aborted int `json:"aborted"`
}

type deleteFilesRequest struct {
	Paths []string `json:"paths"`
}

type deleteFilesResponse struct {
	Deleted int `json:"deleted"`
}

type batchLimitRequest struct {
	FileCount int `json:"fileCount"`
}

type batchLimitResponse struct {
	Allowed   bool   `json:"allowed"`
	Plan      string `json:"plan"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message,omitempty"`
}

// abortUpload handles POST /abort/upload. Unknown or finished uploads are
// answered with aborted=false rather than an error.
func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	var req abortUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.UploadID == "" {
		h.writeErr(w, r, fmt.Errorf("%w: uploadId is required", common.ErrorValidation))
		return
	}

	aborted, err := h.deps.Cleanup.AbortUpload(r.Context(), owner, req.UploadID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, abortedResponse{Aborted: aborted})
}

// abortAll handles POST /abort/all-uploads. It is best-effort: partial
// failures are logged and the number actually aborted is returned.
func (h *Handler) abortAll(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	n, err := h.deps.Cleanup.AbortAll(r.Context(), owner)
	if err != nil {
		h.log.Warn(r.Context(), "abort all finished with errors", "owner", owner, "aborted", n, "error", err)
	}
	writeJSON(w, http.StatusOK, abortedCountResponse{Aborted: n})
}

// abortConversion handles POST /abort/conversion.
func (h *Handler) abortConversion(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	var req abortConversionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.JobID == "" {
		h.writeErr(w, r, fmt.Errorf("%w: jobId is required", common.ErrorValidation))
		return
	}

	aborted, err := h.deps.Cleanup.AbortConversion(r.Context(), owner, req.JobID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, abortedResponse{Aborted: aborted})
}

// deleteFiles handles DELETE /files.
func (h *Handler) deleteFiles(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	var req deleteFilesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	n, err := h.deps.Cleanup.DeleteFiles(r.Context(), owner, req.Paths)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteFilesResponse{Deleted: n})
}

// checkBatchLimit handles POST /check-batch-limit. A rejection is a normal
// answer here, not an error.
func (h *Handler) checkBatchLimit(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	var req batchLimitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.FileCount < 0 {
		h.writeErr(w, r, fmt.Errorf("%w: fileCount must not be negative", common.ErrorValidation))
		return
	}

	st, err := h.deps.Quota.Preview(r.Context(), owner, req.FileCount)
	resp := batchLimitResponse{
		Allowed:   err == nil,
		Plan:      string(st.Plan),
		Used:      st.Used,
		Limit:     st.Limit,
		Remaining: st.Remaining,
	}
	if err != nil {
		var qe *quota.QuotaError
		if !errors.As(err, &qe) {
			h.writeErr(w, r, err)
			return
		}
		resp.Message = qe.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
