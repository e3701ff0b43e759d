package downloads

import (
	"context"
	"time"

	"github.com/dmitrijs2005/convertly/internal/server/models"
)

type Repository interface {
	// Create records a conversion as processing. A retried job id resets its row.
	Create(ctx context.Context, rec *models.DownloadRecord) error
	MarkReady(ctx context.Context, jobID, outputPath string, expiresAt time.Time) error
	MarkFailed(ctx context.Context, jobID, message string) error
	GetByJobID(ctx context.Context, jobID string) (*models.DownloadRecord, error)
	// ListReady returns the user's unexpired ready rows, newest first.
	ListReady(ctx context.Context, userID string, now time.Time, limit int) ([]*models.DownloadRecord, error)
	// DeleteByOutputPaths removes the user's rows pointing at the given objects.
	DeleteByOutputPaths(ctx context.Context, userID string, paths []string) (int64, error)
	// DeleteExpired removes rows whose link expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
