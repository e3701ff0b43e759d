package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
)

// Quota is the part of the ledger a conversion touches.
type Quota interface {
	Check(ctx context.Context, owner string, requested int) (quota.Status, error)
	Increment(ctx context.Context, owner string) error
}

// Uploads exposes queued upload state.
type Uploads interface {
	Status(id string) (models.QueuedUpload, bool)
}

// Blobs is the blob store surface used for sources and results.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration, opts ...blobstore.SignOption) (models.SignedURL, error)
}

// Runner performs the actual media conversion.
type Runner interface {
	Run(ctx context.Context, job converter.Job, onProgress converter.ProgressFunc) error
}

// Downloads records conversion results for later listing.
type Downloads interface {
	Create(ctx context.Context, rec *models.DownloadRecord) error
	MarkReady(ctx context.Context, jobID, outputPath string, expiresAt time.Time) error
	MarkFailed(ctx context.Context, jobID, message string) error
}
