package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/server/auth"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/cleanup"
	"github.com/go-chi/chi/v5"
)

type zipRequest struct {
	FilePaths []string `json:"filePaths"`
}

type zipURLResponse struct {
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   int    `json:"expiresIn"`
	Included    int    `json:"included"`
	Total       int    `json:"total"`
}

type readyDownload struct {
	JobID      string    `json:"jobId"`
	OutputPath string    `json:"outputPath"`
	Format     string    `json:"format"`
	Quality    string    `json:"quality,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

type readyDownloadsResponse struct {
	Downloads []readyDownload `json:"downloads"`
}

// download handles GET /download/*: it redirects to a fresh signed URL for
// one of the caller's stored files.
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())
	key := chi.URLParam(r, "*")

	if err := cleanup.ValidatePaths(owner, []string{key}); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !h.deps.Blobs.Exists(r.Context(), key) {
		h.writeErr(w, r, fmt.Errorf("file %s: %w", key, common.ErrorNotFound))
		return
	}

	signed, err := h.deps.Blobs.SignedURL(r.Context(), key, h.opts.SignedURLTTL, blobstore.WithDownloadName(path.Base(key)))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	http.Redirect(w, r, signed.URL, http.StatusFound)
}

// downloadZip handles POST /download/zip. Depending on configuration the
// archive is streamed back or stored and returned as a signed link.
func (h *Handler) downloadZip(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	var req zipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if len(req.FilePaths) == 0 {
		h.writeErr(w, r, fmt.Errorf("%w: filePaths is empty", common.ErrorValidation))
		return
	}
	if err := cleanup.ValidatePaths(owner, req.FilePaths); err != nil {
		h.writeErr(w, r, err)
		return
	}

	archive, err := h.deps.Zips.GetOrCreate(r.Context(), req.FilePaths)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	if h.opts.ZipDelivery == ZipURL {
		signed, err := h.deps.Zips.Publish(r.Context(), owner, archive)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, zipURLResponse{
			DownloadURL: signed.URL,
			ExpiresIn:   int(signed.ExpiresIn.Seconds()),
			Included:    archive.Included,
			Total:       archive.Total,
		})
		return
	}

	f, err := os.Open(archive.Path)
	if err != nil {
		// swept between lookup and open
		h.writeErr(w, r, fmt.Errorf("open archive: %w", err))
		return
	}
	defer f.Close()

	name := "convertly-" + archive.Key[:min(8, len(archive.Key))] + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Zip-Included", strconv.Itoa(archive.Included))
	w.Header().Set("X-Zip-Total", strconv.Itoa(archive.Total))
	http.ServeContent(w, r, name, archive.CreatedAt, f)
}

// readyDownloads handles GET /downloads.
func (h *Handler) readyDownloads(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserIDFromContext(r.Context())

	recs, err := h.deps.Downloads.ListReady(r.Context(), owner, h.now(), readyListLimit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	out := readyDownloadsResponse{Downloads: make([]readyDownload, 0, len(recs))}
	for _, rec := range recs {
		d := readyDownload{
			JobID:      rec.JobID,
			OutputPath: rec.OutputPath,
			Format:     rec.Format,
			Quality:    rec.Quality,
			CreatedAt:  rec.CreatedAt,
		}
		if rec.ExpiresAt != nil {
			d.ExpiresAt = *rec.ExpiresAt
		}
		out.Downloads = append(out.Downloads, d)
	}
	writeJSON(w, http.StatusOK, out)
}
