// Package uploadqueue accepts large uploads into local scratch storage and
// moves them to the blob store in the background.
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

var ErrQueueClosed = errors.New("upload queue is stopped")

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convertly_queued_uploads_total",
		Help: "Queued uploads by final state.",
	}, []string{"status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convertly_upload_queue_active",
		Help: "Queued uploads not yet in a terminal state.",
	})
)

// Uploader is the blob store surface the queue needs.
type Uploader interface {
	Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error)
	Delete(ctx context.Context, key string) error
}

// Ticket is returned by Enqueue once the file is safely on local disk.
type Ticket struct {
	UploadID  string
	LocalPath string
}

type item struct {
	models.QueuedUpload
	cancel context.CancelFunc
}

// Queue holds uploads in memory. Items are moved between states only by
// compare-and-set under mu.
type Queue struct {
	store     Uploader
	dir       string
	retention time.Duration
	interval  time.Duration
	log       logging.Logger
	now       func() time.Time

	mu     sync.Mutex
	items  map[string]*item
	closed bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	drains     sync.WaitGroup
	loop       sync.WaitGroup
}

// New creates a queue writing scratch files under <scratchDir>/uploads.
func New(store Uploader, scratchDir string, retention, interval time.Duration, log logging.Logger) (*Queue, error) {
	dir, err := filex.EnsureDir(filepath.Join(scratchDir, "uploads"))
	if err != nil {
		return nil, fmt.Errorf("upload scratch dir: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:      store,
		dir:        dir,
		retention:  retention,
		interval:   interval,
		log:        log.With("module", "uploadqueue"),
		now:        time.Now,
		items:      map[string]*item{},
		baseCtx:    ctx,
		cancelBase: cancel,
	}, nil
}

// StorageKey is where an upload lands in the blob store.
func StorageKey(ownerID, uploadID, fileName string) string {
	return fmt.Sprintf("%s/uploads/%s-%s", ownerID, uploadID, fileName)
}

// Enqueue writes r to scratch storage and schedules the blob upload. Nothing
// is queued when the local write fails.
func (q *Queue) Enqueue(ctx context.Context, r io.Reader, fileName, ownerID, mimeType string) (Ticket, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Ticket{}, ErrQueueClosed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Ticket{}, fmt.Errorf("upload id: %w", err)
	}
	name := filex.SanitizeFilename(fileName)
	path := filepath.Join(q.dir, id.String()+"-"+name)

	size, err := filex.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, contextReader{ctx: ctx, r: r})
		return err
	})
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: write scratch file: %v", common.ErrUploadFailed, err)
	}

	now := q.now()
	it := &item{QueuedUpload: models.QueuedUpload{
		ID:        id.String(),
		OwnerID:   ownerID,
		FileName:  name,
		MimeType:  mimeType,
		LocalPath: path,
		Size:      size,
		Status:    models.UploadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = filex.RemoveQuiet(path)
		return Ticket{}, ErrQueueClosed
	}
	q.items[it.ID] = it
	q.drains.Add(1)
	q.mu.Unlock()

	queueDepth.Inc()
	q.log.Info(ctx, "upload queued", "upload_id", it.ID, "owner", ownerID, "size", size)

	go func() {
		defer q.drains.Done()
		q.drain()
	}()

	return Ticket{UploadID: it.ID, LocalPath: path}, nil
}

// drain uploads pending items oldest first until none are left. Several
// drains may run at once; each item is claimed by exactly one.
func (q *Queue) drain() {
	for {
		it, ctx := q.claimNext()
		if it == nil {
			return
		}
		q.upload(ctx, it)
	}
}

func (q *Queue) claimNext() (*item, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *item
	for _, it := range q.items {
		if it.Status != models.UploadPending {
			continue
		}
		// ids are UUIDv7 so they sort by creation time
		if next == nil || it.CreatedAt.Before(next.CreatedAt) ||
			(it.CreatedAt.Equal(next.CreatedAt) && it.ID < next.ID) {
			next = it
		}
	}
	if next == nil {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(q.baseCtx)
	next.cancel = cancel
	q.setStatusLocked(next, models.UploadUploading, "")
	return next, ctx
}

func (q *Queue) upload(ctx context.Context, it *item) {
	defer it.cancel()

	key := StorageKey(it.OwnerID, it.ID, it.FileName)
	stored, err := q.put(ctx, it, key)

	q.mu.Lock()
	aborted := it.Status == models.UploadAborted
	if !aborted {
		if err != nil {
			q.setStatusLocked(it, models.UploadFailed, err.Error())
		} else {
			it.StorageKey = stored.Key
			q.setStatusLocked(it, models.UploadCompleted, "")
		}
	}
	q.mu.Unlock()

	switch {
	case aborted:
		_ = filex.RemoveQuiet(it.LocalPath)
		if err == nil {
			q.reconcile(key)
		}
	case err != nil:
		uploadsTotal.WithLabelValues(string(models.UploadFailed)).Inc()
		q.log.Error(ctx, "queued upload failed", "upload_id", it.ID, "error", err)
	default:
		uploadsTotal.WithLabelValues(string(models.UploadCompleted)).Inc()
		q.log.Info(ctx, "queued upload stored", "upload_id", it.ID, "key", key)
	}
}

func (q *Queue) put(ctx context.Context, it *item, key string) (models.StoredFile, error) {
	f, err := os.Open(it.LocalPath)
	if err != nil {
		return models.StoredFile{}, fmt.Errorf("open scratch file: %w", err)
	}
	defer f.Close()

	return q.store.Put(ctx, f, key, it.MimeType, map[string]string{
		"owner-id":      it.OwnerID,
		"original-name": it.FileName,
		"upload-id":     it.ID,
	})
}

// reconcile deletes an object whose write completed after the upload was
// aborted.
func (q *Queue) reconcile(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.store.Delete(ctx, key); err != nil {
		q.log.Warn(ctx, "reconcile delete failed", "key", key, "error", err)
		return
	}
	q.log.Info(ctx, "removed object stored after abort", "key", key)
}

// setStatusLocked must be called with mu held.
func (q *Queue) setStatusLocked(it *item, status models.UploadStatus, msg string) {
	if !it.Status.Terminal() && status.Terminal() {
		queueDepth.Dec()
	}
	it.Status = status
	it.Error = msg
	it.UpdatedAt = q.now()
}

// Status returns a snapshot of one upload.
func (q *Queue) Status(id string) (models.QueuedUpload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return models.QueuedUpload{}, false
	}
	return it.QueuedUpload, true
}

// ListActive returns the owner's pending and uploading items, oldest first.
func (q *Queue) ListActive(ownerID string) []models.QueuedUpload {
	q.mu.Lock()
	var out []models.QueuedUpload
	for _, it := range q.items {
		if it.OwnerID == ownerID && !it.Status.Terminal() {
			out = append(out, it.QueuedUpload)
		}
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b models.QueuedUpload) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Abort moves a pending or uploading item to aborted and returns the state
// it had before. Terminal items are left as they are.
func (q *Queue) Abort(ownerID, id string) (models.UploadStatus, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return "", common.ErrorNotFound
	}
	if it.OwnerID != ownerID {
		q.mu.Unlock()
		return "", common.ErrorForbidden
	}

	prev := it.Status
	if prev.Terminal() {
		q.mu.Unlock()
		return prev, nil
	}

	q.setStatusLocked(it, models.UploadAborted, common.ErrUploadAborted.Error())
	cancel := it.cancel
	q.mu.Unlock()

	uploadsTotal.WithLabelValues(string(models.UploadAborted)).Inc()
	q.log.Info(context.Background(), "upload aborted", "upload_id", id, "previous", prev)

	if prev == models.UploadPending {
		_ = filex.RemoveQuiet(it.LocalPath)
	} else if cancel != nil {
		cancel()
	}
	return prev, nil
}

// Sweep evicts terminal items older than the retention window together with
// their scratch files.
func (q *Queue) Sweep() int {
	cutoff := q.now().Add(-q.retention)

	q.mu.Lock()
	var paths []string
	for id, it := range q.items {
		if it.Status.Terminal() && it.UpdatedAt.Before(cutoff) {
			paths = append(paths, it.LocalPath)
			delete(q.items, id)
		}
	}
	q.mu.Unlock()

	for _, p := range paths {
		if err := filex.RemoveQuiet(p); err != nil {
			q.log.Warn(context.Background(), "remove scratch file", "path", p, "error", err)
		}
	}
	if len(paths) > 0 {
		q.log.Debug(context.Background(), "upload queue swept", "evicted", len(paths))
	}
	return len(paths)
}

// Start runs the retention sweep until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.loop.Add(1)
	go func() {
		defer q.loop.Done()

		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-q.baseCtx.Done():
				return
			case <-ticker.C:
				q.Sweep()
			}
		}
	}()
	q.log.Info(ctx, "upload queue started", "retention", q.retention.String(), "interval", q.interval.String())
}

// Stop refuses new uploads, waits for in-flight drains and ends the sweep loop.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.drains.Wait()
	q.cancelBase()
	q.loop.Wait()
	q.log.Info(context.Background(), "upload queue stopped")
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
