// Package httpapi exposes the conversion pipeline over HTTP.
package httpapi

import (
	"context"
	"io"
	"time"

	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/orchestrator"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
	"github.com/dmitrijs2005/convertly/internal/server/uploadqueue"
	"github.com/dmitrijs2005/convertly/internal/server/zipper"
)

const (
	DefaultSyncUploadThreshold = 5 << 20
	DefaultMaxUploadSize       = 2 << 30

	multipartMemory = 32 << 20
	maxJSONBody     = 1 << 20
	readyListLimit  = 100
)

// Blobs is the blob store surface used directly by handlers.
type Blobs interface {
	Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error)
	Exists(ctx context.Context, key string) bool
	SignedURL(ctx context.Context, key string, ttl time.Duration, opts ...blobstore.SignOption) (models.SignedURL, error)
}

// Uploads is the background upload queue.
type Uploads interface {
	Enqueue(ctx context.Context, r io.Reader, fileName, ownerID, mimeType string) (uploadqueue.Ticket, error)
	Status(id string) (models.QueuedUpload, bool)
}

// Jobs runs conversions and reports their progress.
type Jobs interface {
	Convert(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	Progress(ctx context.Context, ref string) (models.JobProgress, bool, error)
}

// Quota answers batch pre-checks without consuming anything.
type Quota interface {
	Preview(ctx context.Context, owner string, requested int) (quota.Status, error)
}

// Cleanup aborts in-flight work and deletes stored files.
type Cleanup interface {
	AbortUpload(ctx context.Context, owner, uploadID string) (bool, error)
	AbortConversion(ctx context.Context, owner, jobID string) (bool, error)
	AbortAll(ctx context.Context, owner string) (int, error)
	DeleteFiles(ctx context.Context, owner string, paths []string) (int, error)
}

// Zips builds and publishes archives of converted files.
type Zips interface {
	GetOrCreate(ctx context.Context, paths []string) (zipper.Archive, error)
	Publish(ctx context.Context, owner string, a zipper.Archive) (models.SignedURL, error)
}

// ReadyDownloads lists conversion results still within their link lifetime.
type ReadyDownloads interface {
	ListReady(ctx context.Context, userID string, now time.Time, limit int) ([]*models.DownloadRecord, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Blobs     Blobs
	Uploads   Uploads
	Jobs      Jobs
	Quota     Quota
	Cleanup   Cleanup
	Zips      Zips
	Downloads ReadyDownloads
	Verifier  TokenVerifier
}

type Options struct {
	// SyncUploadThreshold is the largest upload stored before responding.
	// Bigger files go through the upload queue.
	SyncUploadThreshold int64
	MaxUploadSize       int64
	SignedURLTTL        time.Duration
	// ZipDelivery is "stream" or "url".
	ZipDelivery string
}

// Handler implements the API routes.
type Handler struct {
	deps Deps
	opts Options
	log  logging.Logger
	now  func() time.Time
}

func NewHandler(deps Deps, opts Options, log logging.Logger) *Handler {
	if opts.SyncUploadThreshold <= 0 {
		opts.SyncUploadThreshold = DefaultSyncUploadThreshold
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = orchestrator.DefaultSignedURLTTL
	}
	if opts.ZipDelivery == "" {
		opts.ZipDelivery = ZipStream
	}
	return &Handler{deps: deps, opts: opts, log: log.With("module", "httpapi"), now: time.Now}
}

// Zip delivery modes.
const (
	ZipStream = "stream"
	ZipURL    = "url"
)
