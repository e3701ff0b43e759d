// Package progress keeps the last known progress of uploads and conversions
// so that any server instance can answer a poll.
package progress

import (
	"context"

	"github.com/dmitrijs2005/convertly/internal/server/models"
)

// Store persists progress records keyed by job or upload id.
type Store interface {
	Get(ctx context.Context, ref string) (models.JobProgress, bool, error)
	Set(ctx context.Context, ref string, p models.JobProgress) error
	Delete(ctx context.Context, ref string) error
}
