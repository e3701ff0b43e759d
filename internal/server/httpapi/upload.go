package httpapi

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/dmitrijs2005/convertly/internal/server/auth"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/uploadqueue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type uploadResponse struct {
	FilePath string `json:"filePath,omitempty"`
	UploadID string `json:"uploadId,omitempty"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

type uploadStatusResponse struct {
	UploadID string              `json:"uploadId"`
	Status   models.UploadStatus `json:"status"`
	FilePath string              `json:"filePath,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// upload handles POST /upload. Small files are stored before responding,
// larger ones are written to scratch and queued; the client then polls
// /upload/status or passes the upload id straight to /convert.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeErr(w, r, err)
			return
		}
		h.writeErr(w, r, fmt.Errorf("%w: %w", common.ErrNoFile, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeErr(w, r, fmt.Errorf("%w: %w", common.ErrNoFile, err))
		return
	}
	defer file.Close()

	name := filex.SanitizeFilename(header.Filename)
	contentType := uploadContentType(header.Header.Get("Content-Type"), name)

	if header.Size <= h.opts.SyncUploadThreshold {
		key := uploadqueue.StorageKey(owner, uuid.NewString(), name)
		stored, err := h.deps.Blobs.Put(r.Context(), file, key, contentType, map[string]string{
			"owner-id":      owner,
			"original-name": header.Filename,
		})
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse{FilePath: stored.Key, FileName: name, FileSize: stored.Size})
		return
	}

	ticket, err := h.deps.Uploads.Enqueue(r.Context(), file, name, owner, contentType)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{UploadID: ticket.UploadID, FileName: name, FileSize: header.Size})
}

// uploadContentType prefers the declared part type unless it is missing or
// generic.
func uploadContentType(declared, name string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return converter.MIMEType(filepath.Ext(name))
}

// uploadStatus handles GET /upload/status/{uploadId}.
func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "uploadId")

	up, ok := h.deps.Uploads.Status(id)
	if !ok {
		h.writeErr(w, r, fmt.Errorf("upload %s: %w", id, common.ErrorNotFound))
		return
	}
	if up.OwnerID != owner {
		h.writeErr(w, r, common.ErrorForbidden)
		return
	}

	writeJSON(w, http.StatusOK, uploadStatusResponse{
		UploadID: up.ID,
		Status:   up.Status,
		FilePath: up.StorageKey,
		Error:    up.Error,
	})
}
