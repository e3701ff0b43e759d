package orchestrator

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/progress"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
)

// trace records the order in which collaborators are called.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, s)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type fakeQuota struct {
	tr       *trace
	checkErr error
}

func (f *fakeQuota) Check(ctx context.Context, owner string, requested int) (quota.Status, error) {
	f.tr.add("quota.check")
	return quota.Status{Plan: models.PlanFree, Limit: 10, Remaining: 10}, f.checkErr
}

func (f *fakeQuota) Increment(ctx context.Context, owner string) error {
	f.tr.add("quota.increment")
	return nil
}

type fakeUploads struct {
	mu     sync.Mutex
	states []models.QueuedUpload
}

// Status replays states in order and then keeps returning the last one.
func (f *fakeUploads) Status(id string) (models.QueuedUpload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return models.QueuedUpload{}, false
	}
	s := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return s, true
}

type fakeBlobs struct {
	tr      *trace
	mu      sync.Mutex
	objects map[string][]byte
	putKey  string
	putType string
	signErr error
}

func (f *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	f.tr.add("blob.get")
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, &blobstore.StorageReadError{Key: key, Attempts: 1, Err: os.ErrNotExist}
	}
	return b, nil
}

func (f *fakeBlobs) Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error) {
	f.tr.add("blob.put")
	b, err := io.ReadAll(body)
	if err != nil {
		return models.StoredFile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
	f.putKey, f.putType = key, contentType
	return models.StoredFile{Key: key, Size: int64(len(b))}, nil
}

func (f *fakeBlobs) SignedURL(ctx context.Context, key string, ttl time.Duration, opts ...blobstore.SignOption) (models.SignedURL, error) {
	f.tr.add("blob.sign")
	if f.signErr != nil {
		return models.SignedURL{}, f.signErr
	}
	return models.SignedURL{URL: "https://signed/" + key, ExpiresIn: ttl}, nil
}

type fakeRunner struct {
	tr      *trace
	err     error
	block   bool
	started chan struct{}
	input   string
}

func (f *fakeRunner) Run(ctx context.Context, job converter.Job, onProgress converter.ProgressFunc) error {
	f.tr.add("runner.run")
	f.input = job.InputPath
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	onProgress(50)
	onProgress(25)
	onProgress(100)
	return os.WriteFile(job.OutputPath, []byte("converted:"+job.Format), 0o600)
}

type fakeDownloads struct {
	tr        *trace
	mu        sync.Mutex
	failedMsg string
	readyPath string
	createErr error
}

func (f *fakeDownloads) Create(ctx context.Context, rec *models.DownloadRecord) error {
	f.tr.add("downloads.create")
	return f.createErr
}

func (f *fakeDownloads) MarkReady(ctx context.Context, jobID, outputPath string, expiresAt time.Time) error {
	f.tr.add("downloads.ready")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyPath = outputPath
	return nil
}

func (f *fakeDownloads) MarkFailed(ctx context.Context, jobID, message string) error {
	f.tr.add("downloads.failed")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedMsg = message
	return nil
}

// recordingStore keeps every progress value written per ref.
type recordingStore struct {
	*progress.MemoryStore
	mu      sync.Mutex
	history map[string][]float64
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: progress.NewMemoryStore(100, time.Hour), history: map[string][]float64{}}
}

func (r *recordingStore) Set(ctx context.Context, ref string, p models.JobProgress) error {
	r.mu.Lock()
	r.history[ref] = append(r.history[ref], p.Progress)
	r.mu.Unlock()
	return r.MemoryStore.Set(ctx, ref, p)
}

func (r *recordingStore) values(ref string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.history[ref]...)
}
