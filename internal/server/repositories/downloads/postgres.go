package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
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

const selectColumns = `id, user_id, job_id, source_path, output_path, format, quality, status, error, expires_at, created_at`

func (r *PostgresRepository) Create(ctx context.Context, rec *models.DownloadRecord) error {
	query :=
		`INSERT INTO downloads (id, user_id, job_id, source_path, format, quality, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'processing')
		 ON CONFLICT (job_id)
		 DO UPDATE SET
			source_path = EXCLUDED.source_path,
			format = EXCLUDED.format,
			quality = EXCLUDED.quality,
			status = 'processing',
			error = ''
			WHERE downloads.user_id = EXCLUDED.user_id`

	res, err := r.db.ExecContext(ctx, query, rec.ID, rec.UserID, rec.JobID, rec.SourcePath, rec.Format, rec.Quality)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		// job id taken by another user
		return common.ErrorForbidden
	}

	rec.Status = models.DownloadProcessing
	return nil
}

func (r *PostgresRepository) MarkReady(ctx context.Context, jobID, outputPath string, expiresAt time.Time) error {
	query :=
		`UPDATE downloads SET status = 'ready', output_path = $2, expires_at = $3, error = ''
		 WHERE job_id = $1`

	return r.execOne(ctx, query, jobID, outputPath, expiresAt)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, jobID, message string) error {
	query := `UPDATE downloads SET status = 'failed', error = $2 WHERE job_id = $1`
	return r.execOne(ctx, query, jobID, message)
}

func (r *PostgresRepository) GetByJobID(ctx context.Context, jobID string) (*models.DownloadRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM downloads WHERE job_id = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) ListReady(ctx context.Context, userID string, now time.Time, limit int) ([]*models.DownloadRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM downloads
		WHERE user_id = $1 AND status = 'ready' AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, userID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select downloads: %w", err)
	}
	defer rows.Close()

	var result []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PostgresRepository) DeleteByOutputPaths(ctx context.Context, userID string, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(paths)+1)
	args = append(args, userID)
	placeholders := make([]string, len(paths))
	for i, p := range paths {
		args = append(args, p)
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}

	query := `DELETE FROM downloads WHERE user_id = $1 AND output_path IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM downloads WHERE expires_at IS NOT NULL AND expires_at < $1`

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
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
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.DownloadRecord, error) {
	rec := &models.DownloadRecord{}
	var status string
	var expires sql.NullTime
	err := s.Scan(&rec.ID, &rec.UserID, &rec.JobID, &rec.SourcePath, &rec.OutputPath, &rec.Format,
		&rec.Quality, &status, &rec.Error, &expires, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = models.DownloadStatus(status)
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return rec, nil
}
