package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/server/auth"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/orchestrator"
	"github.com/go-chi/chi/v5"
)

type convertRequest struct {
	FilePath string `json:"filePath"`
	UploadID string `json:"uploadId"`
	Format   string `json:"format"`
	Quality  string `json:"quality"`
	JobID    string `json:"jobId"`
}

type convertResponse struct {
	JobID       string `json:"jobId"`
	DownloadURL string `json:"downloadUrl"`
	OutputPath  string `json:"outputPath"`
	ExpiresIn   int    `json:"expiresIn"`
}

type progressResponse struct {
	JobID    string          `json:"jobId"`
	Progress float64         `json:"progress"`
	State    models.JobState `json:"state"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", common.ErrorValidation, err)
	}
	return nil
}

// convert handles POST /convert. The request blocks until the result is
// signed; clients poll /convert/progress with the job id meanwhile.
func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	res, err := h.deps.Jobs.Convert(r.Context(), orchestrator.Request{
		OwnerID:  owner,
		FilePath: req.FilePath,
		UploadID: req.UploadID,
		Format:   req.Format,
		Quality:  req.Quality,
		JobID:    req.JobID,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, convertResponse{
		JobID:       res.JobID,
		DownloadURL: res.DownloadURL,
		OutputPath:  res.OutputPath,
		ExpiresIn:   int(res.ExpiresIn.Seconds()),
	})
}

// progress handles GET /convert/progress/{ref}; ref is a job id or the
// upload id the job was started from.
func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())
	ref := chi.URLParam(r, "ref")

	p, found, err := h.deps.Jobs.Progress(r.Context(), ref)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !found {
		h.writeErr(w, r, fmt.Errorf("job %s: %w", ref, common.ErrorNotFound))
		return
	}
	if p.OwnerID != owner {
		h.writeErr(w, r, common.ErrorForbidden)
		return
	}

	writeJSON(w, http.StatusOK, progressResponse{
		JobID:    p.JobID,
		Progress: p.Progress,
		State:    p.State,
		Message:  p.Message,
		Error:    p.Error,
	})
}
