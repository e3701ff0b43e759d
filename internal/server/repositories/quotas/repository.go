package quotas

import (
	"context"
	"time"

	"github.com/dmitrijs2005/convertly/internal/server/models"
)

type Repository interface {
	// EnsureExists inserts a default row for userID if none exists.
	EnsureExists(ctx context.Context, userID string, plan models.Plan, day time.Time) error
	// Get reads the row without locking.
	Get(ctx context.Context, userID string) (*models.QuotaRecord, error)
	// GetForUpdate reads and row-locks the record; only meaningful inside a transaction.
	GetForUpdate(ctx context.Context, userID string) (*models.QuotaRecord, error)
	// Reset zeroes the daily counter (and the monthly one when resetMonthly) and stamps day.
	Reset(ctx context.Context, userID string, day time.Time, resetMonthly bool) error
	// Increment adds one to the daily and monthly counters. The daily counter
	// never goes above dailyLimit.
	Increment(ctx context.Context, userID string, dailyLimit int) error
}
