package models

import "time"

// Plan is the subscription tier that decides the daily limit.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// QuotaRecord is one user's row in the quotas table.
type QuotaRecord struct {
	UserID          string
	Plan            Plan
	ConversionCount int
	MonthlyCount    int
	// LastReset is the UTC day the daily counter was last zeroed.
	LastReset time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
