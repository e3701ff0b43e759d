package uploadqueue

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu      sync.Mutex
	puts    map[string]string
	meta    map[string]map[string]string
	deleted []string
	putErr  error
	// block, when set, holds Put until closed; ctx is ignored so the write
	// "lands" even after an abort.
	block   chan struct{}
	started chan struct{}
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{puts: map[string]string{}, meta: map[string]map[string]string{}}
}

func (f *fakeUploader) Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return models.StoredFile{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return models.StoredFile{}, f.putErr
	}
	f.puts[key] = string(b)
	f.meta[key] = metadata
	return models.StoredFile{Key: key, Size: int64(len(b)), ContentType: contentType}, nil
}

func (f *fakeUploader) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeUploader) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newQueue(t *testing.T, up Uploader) *Queue {
	t.Helper()
	q, err := New(up, t.TempDir(), time.Hour, time.Minute, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

func waitStatus(t *testing.T, q *Queue, id string, want models.UploadStatus) models.QueuedUpload {
	t.Helper()
	var got models.QueuedUpload
	require.Eventually(t, func() bool {
		got, _ = q.Status(id)
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "upload %s never reached %s", id, want)
	return got
}

func TestEnqueue_StoresUnderOwnerPrefix(t *testing.T) {
	up := newFakeUploader()
	q := newQueue(t, up)

	ticket, err := q.Enqueue(context.Background(), strings.NewReader("movie bytes"), "My Clip.mov", "u1", "video/quicktime")
	require.NoError(t, err)
	assert.FileExists(t, ticket.LocalPath)
	assert.Equal(t, ticket.UploadID+"-My_Clip.mov", filepath.Base(ticket.LocalPath))

	got := waitStatus(t, q, ticket.UploadID, models.UploadCompleted)

	key := "u1/uploads/" + ticket.UploadID + "-My_Clip.mov"
	assert.Equal(t, key, got.StorageKey)
	assert.Equal(t, int64(11), got.Size)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, "movie bytes", up.puts[key])
	assert.Equal(t, "u1", up.meta[key]["owner-id"])
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestEnqueue_WriteFailureQueuesNothing(t *testing.T) {
	q := newQueue(t, newFakeUploader())

	_, err := q.Enqueue(context.Background(), failingReader{}, "a.png", "u1", "image/png")
	require.ErrorIs(t, err, common.ErrUploadFailed)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Empty(t, q.items)
}

func TestEnqueue_PutFailureMarksFailed(t *testing.T) {
	up := newFakeUploader()
	up.putErr = errors.New("bucket gone")
	q := newQueue(t, up)

	ticket, err := q.Enqueue(context.Background(), strings.NewReader("x"), "a.png", "u1", "image/png")
	require.NoError(t, err)

	got := waitStatus(t, q, ticket.UploadID, models.UploadFailed)
	assert.Contains(t, got.Error, "bucket gone")
	assert.Empty(t, q.ListActive("u1"))
}

func TestAbort_DuringUploadReconcilesLateWrite(t *testing.T) {
	up := newFakeUploader()
	up.block = make(chan struct{})
	up.started = make(chan struct{}, 1)
	q := newQueue(t, up)

	ticket, err := q.Enqueue(context.Background(), strings.NewReader("x"), "a.png", "u1", "image/png")
	require.NoError(t, err)
	<-up.started

	prev, err := q.Abort("u1", ticket.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadUploading, prev)

	close(up.block)

	key := StorageKey("u1", ticket.UploadID, "a.png")
	require.Eventually(t, func() bool {
		d := up.deletedKeys()
		return len(d) == 1 && d[0] == key
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := q.Status(ticket.UploadID)
	assert.Equal(t, models.UploadAborted, got.Status, "abort is final")
	assert.Empty(t, got.StorageKey)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(ticket.LocalPath)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
}

func addItem(q *Queue, id, owner string, status models.UploadStatus, created time.Time) *item {
	path := filepath.Join(q.dir, id)
	_ = os.WriteFile(path, []byte(id), 0o600)
	it := &item{QueuedUpload: models.QueuedUpload{
		ID: id, OwnerID: owner, FileName: id, LocalPath: path,
		Status: status, CreatedAt: created, UpdatedAt: created,
	}}
	q.mu.Lock()
	q.items[id] = it
	q.mu.Unlock()
	return it
}

func TestAbort_Rules(t *testing.T) {
	q := newQueue(t, newFakeUploader())
	now := time.Now()

	pending := addItem(q, "p1", "u1", models.UploadPending, now)
	addItem(q, "c1", "u1", models.UploadCompleted, now)

	_, err := q.Abort("u2", "p1")
	assert.ErrorIs(t, err, common.ErrorForbidden)

	_, err = q.Abort("u1", "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	prev, err := q.Abort("u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadCompleted, prev)
	got, _ := q.Status("c1")
	assert.Equal(t, models.UploadCompleted, got.Status, "terminal items are untouched")

	prev, err = q.Abort("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadPending, prev)
	got, _ = q.Status("p1")
	assert.Equal(t, models.UploadAborted, got.Status)
	_, statErr := os.Stat(pending.LocalPath)
	assert.True(t, os.IsNotExist(statErr))

	prev, err = q.Abort("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadAborted, prev)
}

func TestClaimNext_OldestFirst(t *testing.T) {
	q := newQueue(t, newFakeUploader())
	base := time.Now()

	addItem(q, "b", "u1", models.UploadPending, base.Add(2*time.Second))
	addItem(q, "a", "u1", models.UploadPending, base.Add(time.Second))
	addItem(q, "z", "u1", models.UploadUploading, base)

	first, _ := q.claimNext()
	require.NotNil(t, first)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, models.UploadUploading, first.Status)

	second, _ := q.claimNext()
	require.NotNil(t, second)
	assert.Equal(t, "b", second.ID)

	none, _ := q.claimNext()
	assert.Nil(t, none, "claimed items are not handed out twice")
}

func TestListActive(t *testing.T) {
	q := newQueue(t, newFakeUploader())
	base := time.Now()

	addItem(q, "late", "u1", models.UploadPending, base.Add(time.Minute))
	addItem(q, "early", "u1", models.UploadUploading, base)
	addItem(q, "done", "u1", models.UploadCompleted, base)
	addItem(q, "other", "u2", models.UploadPending, base)

	got := q.ListActive("u1")
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "late", got[1].ID)
}

func TestSweep_EvictsOldTerminalItems(t *testing.T) {
	q := newQueue(t, newFakeUploader())
	now := time.Now()
	q.now = func() time.Time { return now }

	old := addItem(q, "old", "u1", models.UploadCompleted, now.Add(-2*time.Hour))
	addItem(q, "recent", "u1", models.UploadFailed, now.Add(-time.Minute))
	addItem(q, "stuck", "u1", models.UploadPending, now.Add(-3*time.Hour))

	assert.Equal(t, 1, q.Sweep())

	_, ok := q.Status("old")
	assert.False(t, ok)
	_, err := os.Stat(old.LocalPath)
	assert.True(t, os.IsNotExist(err))

	_, ok = q.Status("recent")
	assert.True(t, ok)
	_, ok = q.Status("stuck")
	assert.True(t, ok, "non-terminal items are never evicted")
}

func TestStop_RefusesNewUploads(t *testing.T) {
	q, err := New(newFakeUploader(), t.TempDir(), 0, 0, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, q.retention)
	assert.Equal(t, DefaultSweepInterval, q.interval)

	q.Start(context.Background())
	q.Stop()
	q.Stop()

	_, err = q.Enqueue(context.Background(), strings.NewReader("x"), "a", "u1", "")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

// countingUploader records how many Puts run at once for each key.
type countingUploader struct {
	mu       sync.Mutex
	inflight map[string]int
	maxSeen  map[string]int
	calls    map[string]int
}

func newCountingUploader() *countingUploader {
	return &countingUploader{inflight: map[string]int{}, maxSeen: map[string]int{}, calls: map[string]int{}}
}

func (c *countingUploader) Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error) {
	c.mu.Lock()
	c.calls[key]++
	c.inflight[key]++
	c.maxSeen[key] = max(c.maxSeen[key], c.inflight[key])
	c.mu.Unlock()

	// widen the window for a second drain to pick the same item
	time.Sleep(time.Millisecond)
	b, err := io.ReadAll(body)

	c.mu.Lock()
	c.inflight[key]--
	c.mu.Unlock()
	if err != nil {
		return models.StoredFile{}, err
	}
	return models.StoredFile{Key: key, Size: int64(len(b)), ContentType: contentType}, nil
}

func (c *countingUploader) Delete(ctx context.Context, key string) error { return nil }

func TestEnqueue_ConcurrentDrainsPutEachItemOnce(t *testing.T) {
	up := newCountingUploader()
	q := newQueue(t, up)

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := q.Enqueue(context.Background(), strings.NewReader("payload"), "a.png", "u1", "image/png")
			assert.NoError(t, err)
			ids[i] = tk.UploadID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		require.NotEmpty(t, id)
		waitStatus(t, q, id, models.UploadCompleted)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.calls, n)
	for _, id := range ids {
		key := StorageKey("u1", id, "a.png")
		assert.Equal(t, 1, up.calls[key], key)
		assert.Equal(t, 1, up.maxSeen[key], key)
	}
}
