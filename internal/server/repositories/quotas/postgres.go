package quotas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/dbx"
	"github.com/dmitrijs2005/convertly/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `user_id, plan, conversion_count, monthly_count, last_reset, created_at, updated_at`

func (r *PostgresRepository) EnsureExists(ctx context.Context, userID string, plan models.Plan, day time.Time) error {
	query :=
		`INSERT INTO quotas (user_id, plan, conversion_count, monthly_count, last_reset)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, userID, string(plan), day); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM quotas WHERE user_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID))
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM quotas WHERE user_id = $1 FOR UPDATE`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID))
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.QuotaRecord, error) {
	rec := &models.QuotaRecord{}
	var plan string
	err := row.Scan(&rec.UserID, &plan, &rec.ConversionCount, &rec.MonthlyCount, &rec.LastReset, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.Plan = models.Plan(plan)
	return rec, nil
}

func (r *PostgresRepository) Reset(ctx context.Context, userID string, day time.Time, resetMonthly bool) error {
	query :=
		`UPDATE quotas
		 SET conversion_count = 0,
		     monthly_count = CASE WHEN $3 THEN 0 ELSE monthly_count END,
		     last_reset = $2,
		     updated_at = now()
		 WHERE user_id = $1`

	return r.execOne(ctx, query, userID, day, resetMonthly)
}

func (r *PostgresRepository) Increment(ctx context.Context, userID string, dailyLimit int) error {
	query :=
		`UPDATE quotas
		 SET conversion_count = LEAST(conversion_count + 1, $2),
		     monthly_count = monthly_count + 1,
		     updated_at = now()
		 WHERE user_id = $1`

	return r.execOne(ctx, query, userID, dailyLimit)
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}

	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
