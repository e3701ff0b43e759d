package quotas

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock, db
}

var day = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func quotaRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "plan", "conversion_count", "monthly_count", "last_reset", "created_at", "updated_at"}).
		AddRow("u1", "free", 4, 40, day, day, day)
}

func TestEnsureExists(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	q := `(?s)^INSERT\s+INTO\s+quotas\b.*ON\s+CONFLICT\s*\(user_id\)\s*DO\s+NOTHING$`
	mock.ExpectExec(q).WithArgs("u1", "free", day).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.EnsureExists(context.Background(), "u1", models.PlanFree, day))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureExists_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+quotas`).WillReturnError(errors.New("conn reset"))

	err := repo.EnsureExists(context.Background(), "u1", models.PlanFree, day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestGetForUpdate(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)^SELECT\s+user_id,.*FROM\s+quotas\s+WHERE\s+user_id\s*=\s*\$1\s+FOR\s+UPDATE$`).
		WithArgs("u1").
		WillReturnRows(quotaRow())

	rec, err := repo.GetForUpdate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, models.PlanFree, rec.Plan)
	assert.Equal(t, 4, rec.ConversionCount)
	assert.Equal(t, 40, rec.MonthlyCount)
	assert.True(t, rec.LastReset.Equal(day))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)^SELECT\s+user_id,.*FROM\s+quotas\s+WHERE\s+user_id\s*=\s*\$1$`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestReset(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`(?s)^UPDATE\s+quotas\s+SET\s+conversion_count\s*=\s*0,.*last_reset\s*=\s*\$2.*WHERE\s+user_id\s*=\s*\$1$`).
		WithArgs("u1", day, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Reset(context.Background(), "u1", day, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrement(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	q := `(?s)^UPDATE\s+quotas\s+SET\s+conversion_count\s*=\s*LEAST\(conversion_count\s*\+\s*1,\s*\$2\),\s*monthly_count\s*=\s*monthly_count\s*\+\s*1,.*WHERE\s+user_id\s*=\s*\$1$`
	mock.ExpectExec(q).WithArgs("u1", 10).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("ghost", 10).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q).WithArgs("dup", 500).WillReturnResult(sqlmock.NewResult(0, 2))

	ctx := context.Background()
	require.NoError(t, repo.Increment(ctx, "u1", 10))
	assert.ErrorIs(t, repo.Increment(ctx, "ghost", 10), common.ErrorNotFound)
	assert.Error(t, repo.Increment(ctx, "dup", 500))
	require.NoError(t, mock.ExpectationsWereMet())
}
