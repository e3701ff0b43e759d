// Package cleanup aborts in-flight work and deletes stored files on behalf
// of a user.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/uploadqueue"
)

// DefaultReconcileDelay leaves time for an in-flight write to land before
// the reconcile delete runs.
const DefaultReconcileDelay = 30 * time.Second

type Uploads interface {
	Status(id string) (models.QueuedUpload, bool)
	ListActive(ownerID string) []models.QueuedUpload
	Abort(ownerID, id string) (models.UploadStatus, error)
}

type Jobs interface {
	ActiveJobs(owner string) []models.JobProgress
	Abort(ctx context.Context, owner, jobID string) (models.JobState, error)
}

type Blobs interface {
	DeleteBatch(ctx context.Context, keys []string) error
	ScheduleDelete(keys []string, delay time.Duration)
}

type DownloadRows interface {
	DeleteByOutputPaths(ctx context.Context, userID string, paths []string) (int64, error)
}

type Coordinator struct {
	uploads        Uploads
	jobs           Jobs
	blobs          Blobs
	rows           DownloadRows
	reconcileDelay time.Duration
	log            logging.Logger
}

func New(uploads Uploads, jobs Jobs, blobs Blobs, rows DownloadRows, reconcileDelay time.Duration, log logging.Logger) *Coordinator {
	if reconcileDelay <= 0 {
		reconcileDelay = DefaultReconcileDelay
	}
	return &Coordinator{
		uploads:        uploads,
		jobs:           jobs,
		blobs:          blobs,
		rows:           rows,
		reconcileDelay: reconcileDelay,
		log:            log.With("module", "cleanup"),
	}
}

// AbortUpload stops a queued upload. Unknown and finished uploads are a
// successful no-op. Returns whether anything was aborted.
func (c *Coordinator) AbortUpload(ctx context.Context, owner, uploadID string) (bool, error) {
	up, ok := c.uploads.Status(uploadID)
	if !ok {
		return false, nil
	}

	prev, err := c.uploads.Abort(owner, uploadID)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if prev == models.UploadUploading {
		key := uploadqueue.StorageKey(up.OwnerID, up.ID, up.FileName)
		c.blobs.ScheduleDelete([]string{key}, c.reconcileDelay)
	}

	aborted := !prev.Terminal()
	if aborted {
		c.log.Info(ctx, "upload aborted", "owner", owner, "upload_id", uploadID, "previous", prev)
	}
	return aborted, nil
}

// AbortConversion stops a running conversion with the same no-op rules as
// AbortUpload.
func (c *Coordinator) AbortConversion(ctx context.Context, owner, jobID string) (bool, error) {
	prev, err := c.jobs.Abort(ctx, owner, jobID)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	aborted := !prev.Terminal()
	if aborted {
		c.log.Info(ctx, "conversion aborted", "owner", owner, "job_id", jobID, "previous", prev)
	}
	return aborted, nil
}

// AbortAll aborts every active upload and conversion of owner. A failure on
// one item does not stop the others.
func (c *Coordinator) AbortAll(ctx context.Context, owner string) (int, error) {
	var errs []error
	count := 0

	for _, up := range c.uploads.ListActive(owner) {
		ok, err := c.AbortUpload(ctx, owner, up.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", up.ID, err))
			continue
		}
		if ok {
			count++
		}
	}

	for _, j := range c.jobs.ActiveJobs(owner) {
		ok, err := c.AbortConversion(ctx, owner, j.JobID)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.JobID, err))
			continue
		}
		if ok {
			count++
		}
	}

	c.log.Info(ctx, "aborted all", "owner", owner, "count", count, "errors", len(errs))
	return count, errors.Join(errs...)
}

// ValidatePaths rejects the whole list when any path is outside the
// owner's prefix or climbs with "..".
func ValidatePaths(owner string, paths []string) error {
	if owner == "" {
		return common.ErrorUnauthorized
	}
	prefix := owner + "/"
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) || len(p) == len(prefix) {
			return fmt.Errorf("%w: %q", common.ErrorForbidden, p)
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				return fmt.Errorf("%w: %q", common.ErrorForbidden, p)
			}
		}
	}
	return nil
}

// DeleteFiles removes the owner's stored objects. Nothing is deleted when
// any path fails validation. Download rows are removed best-effort.
func (c *Coordinator) DeleteFiles(ctx context.Context, owner string, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, fmt.Errorf("%w: no paths given", common.ErrorValidation)
	}
	if err := ValidatePaths(owner, paths); err != nil {
		c.log.Warn(ctx, "delete rejected", "owner", owner, "error", err)
		return 0, err
	}

	if err := c.blobs.DeleteBatch(ctx, paths); err != nil {
		return 0, err
	}

	if n, err := c.rows.DeleteByOutputPaths(ctx, owner, paths); err != nil {
		c.log.Warn(ctx, "download rows cleanup failed", "owner", owner, "error", err)
	} else if n > 0 {
		c.log.Debug(ctx, "download rows removed", "owner", owner, "rows", n)
	}

	c.log.Info(ctx, "files deleted", "owner", owner, "count", len(paths))
	return len(paths), nil
}
