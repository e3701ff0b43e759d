// Package quota enforces per-user daily conversion limits backed by the
// quotas table.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/dbx"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/repositories/repomanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convertly_quota_rejections_total",
	Help: "Conversion requests rejected by the quota ledger.",
}, []string{"kind"})

// DB is what the ledger needs from *sql.DB.
type DB interface {
	dbx.DBTX
	dbx.TxStarter
}

// Status is a user's standing for the current UTC day.
type Status struct {
	Plan      models.Plan
	Used      int
	Limit     int
	Remaining int
}

// Ledger checks and records conversions against daily limits.
type Ledger struct {
	db     DB
	repos  repomanager.RepositoryManager
	limits map[models.Plan]int
	now    func() time.Time
	log    logging.Logger
}

func NewLedger(db DB, repos repomanager.RepositoryManager, freeLimit, proLimit int, log logging.Logger) *Ledger {
	return &Ledger{
		db:    db,
		repos: repos,
		limits: map[models.Plan]int{
			models.PlanFree: freeLimit,
			models.PlanPro:  proLimit,
		},
		now: time.Now,
		log: log.With("module", "quota"),
	}
}

// Check verifies that owner may run requested more conversions today. The
// row is created on first use and its counter reset on a new UTC day, all
// inside one locked read-modify-write. Rejections return *QuotaError.
func (l *Ledger) Check(ctx context.Context, owner string, requested int) (Status, error) {
	if requested < 1 {
		requested = 1
	}
	today := l.today()

	var st Status
	var rejection error

	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec, err := l.lockedRecord(ctx, tx, owner, today)
		if err != nil {
			return err
		}
		st, rejection = l.evaluate(rec, requested)
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("quota check: %w", err)
	}

	if rejection != nil {
		var qe *QuotaError
		if errors.As(rejection, &qe) {
			rejectionsTotal.WithLabelValues(qe.Kind.String()).Inc()
		}
		l.log.Info(ctx, "conversion rejected by quota", "owner", owner, "used", st.Used, "limit", st.Limit, "requested", requested)
		return st, rejection
	}
	return st, nil
}

// Preview evaluates like Check without writing anything.
func (l *Ledger) Preview(ctx context.Context, owner string, requested int) (Status, error) {
	if requested < 1 {
		requested = 1
	}
	today := l.today()

	rec, err := l.repos.Quotas(l.db).Get(ctx, owner)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		rec = &models.QuotaRecord{UserID: owner, Plan: models.PlanFree, LastReset: today}
	case err != nil:
		return Status{}, fmt.Errorf("quota preview: %w", err)
	}

	if !sameDay(rec.LastReset, today) {
		rec.ConversionCount = 0
	}

	return l.evaluate(rec, requested)
}

// Increment records one completed conversion. It applies the same day
// rollover as Check so a conversion finishing after midnight counts toward
// the new day. Check and Increment run in separate transactions, so parallel
// conversions admitted against the same last slot may all finish; the daily
// counter is capped at the plan limit so the overshoot does not carry into
// later checks.
func (l *Ledger) Increment(ctx context.Context, owner string) error {
	today := l.today()

	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec, err := l.lockedRecord(ctx, tx, owner, today)
		if err != nil {
			return err
		}
		return l.repos.Quotas(tx).Increment(ctx, owner, l.limitFor(rec.Plan))
	})
	if err != nil {
		return fmt.Errorf("quota increment: %w", err)
	}
	return nil
}

func (l *Ledger) lockedRecord(ctx context.Context, tx dbx.DBTX, owner string, today time.Time) (*models.QuotaRecord, error) {
	repo := l.repos.Quotas(tx)

	if err := repo.EnsureExists(ctx, owner, models.PlanFree, today); err != nil {
		return nil, err
	}

	rec, err := repo.GetForUpdate(ctx, owner)
	if err != nil {
		return nil, err
	}

	if !sameDay(rec.LastReset, today) {
		newMonth := !sameMonth(rec.LastReset, today)
		if err := repo.Reset(ctx, owner, today, newMonth); err != nil {
			return nil, err
		}
		rec.ConversionCount = 0
		if newMonth {
			rec.MonthlyCount = 0
		}
		rec.LastReset = today
	}

	return rec, nil
}

func (l *Ledger) limitFor(plan models.Plan) int {
	if limit, ok := l.limits[plan]; ok {
		return limit
	}
	return l.limits[models.PlanFree]
}

func (l *Ledger) evaluate(rec *models.QuotaRecord, requested int) (Status, error) {
	limit := l.limitFor(rec.Plan)

	st := Status{Plan: rec.Plan, Used: rec.ConversionCount, Limit: limit}
	st.Remaining = max(limit-rec.ConversionCount, 0)

	if rec.ConversionCount >= limit {
		return st, &QuotaError{Kind: KindDailyLimit, Plan: rec.Plan, Used: st.Used, Limit: limit, Requested: requested}
	}
	if requested > st.Remaining {
		return st, &QuotaError{Kind: KindInsufficient, Plan: rec.Plan, Used: st.Used, Limit: limit, Requested: requested, Remaining: st.Remaining}
	}
	return st, nil
}

func (l *Ledger) today() time.Time {
	y, m, d := l.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}
