package httpapi

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/orchestrator"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
	"github.com/dmitrijs2005/convertly/internal/server/uploadqueue"
	"github.com/dmitrijs2005/convertly/internal/server/zipper"
)

type fakeVerifier map[string]string

func (f fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	if owner, ok := f[token]; ok {
		return owner, nil
	}
	return "", common.ErrInvalidToken
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeBlobs) Put(_ context.Context, body io.ReadSeeker, key, contentType string, _ map[string]string) (models.StoredFile, error) {
	if f.putErr != nil {
		return models.StoredFile{}, f.putErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return models.StoredFile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = b
	return models.StoredFile{Key: key, Size: int64(len(b)), ContentType: contentType}, nil
}

func (f *fakeBlobs) Exists(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeBlobs) SignedURL(_ context.Context, key string, ttl time.Duration, _ ...blobstore.SignOption) (models.SignedURL, error) {
	return models.SignedURL{URL: "https://store.test/" + key + "?sig=1", ExpiresIn: ttl}, nil
}

type fakeUploads struct {
	enqueued []string
	items    map[string]models.QueuedUpload
	err      error
}

func (f *fakeUploads) Enqueue(_ context.Context, r io.Reader, fileName, ownerID, _ string) (uploadqueue.Ticket, error) {
	if f.err != nil {
		return uploadqueue.Ticket{}, f.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return uploadqueue.Ticket{}, err
	}
	f.enqueued = append(f.enqueued, ownerID+"/"+fileName)
	return uploadqueue.Ticket{UploadID: "up-1", LocalPath: "/scratch/up-1-" + fileName}, nil
}

func (f *fakeUploads) Status(id string) (models.QueuedUpload, bool) {
	u, ok := f.items[id]
	return u, ok
}

type fakeJobs struct {
	got      orchestrator.Request
	result   orchestrator.Result
	err      error
	progress map[string]models.JobProgress
}

func (f *fakeJobs) Convert(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakeJobs) Progress(_ context.Context, ref string) (models.JobProgress, bool, error) {
	p, ok := f.progress[ref]
	return p, ok, nil
}

type fakeQuota struct {
	st  quota.Status
	err error
}

func (f *fakeQuota) Preview(context.Context, string, int) (quota.Status, error) {
	return f.st, f.err
}

type fakeCleanup struct {
	calls    []string
	aborted  bool
	count    int
	err      error
	allErr   error
	deleted  []string
	deleteFn func(owner string, paths []string) (int, error)
}

func (f *fakeCleanup) AbortUpload(_ context.Context, owner, id string) (bool, error) {
	f.calls = append(f.calls, "upload:"+owner+":"+id)
	return f.aborted, f.err
}

func (f *fakeCleanup) AbortConversion(_ context.Context, owner, id string) (bool, error) {
	f.calls = append(f.calls, "conversion:"+owner+":"+id)
	return f.aborted, f.err
}

func (f *fakeCleanup) AbortAll(_ context.Context, owner string) (int, error) {
	f.calls = append(f.calls, "all:"+owner)
	return f.count, f.allErr
}

func (f *fakeCleanup) DeleteFiles(_ context.Context, owner string, paths []string) (int, error) {
	f.deleted = append(f.deleted, paths...)
	if f.deleteFn != nil {
		return f.deleteFn(owner, paths)
	}
	return len(paths), nil
}

type fakeZips struct {
	archive   zipper.Archive
	err       error
	published []string
}

func (f *fakeZips) GetOrCreate(context.Context, []string) (zipper.Archive, error) {
	return f.archive, f.err
}

func (f *fakeZips) Publish(_ context.Context, owner string, a zipper.Archive) (models.SignedURL, error) {
	f.published = append(f.published, owner+":"+a.Key)
	return models.SignedURL{URL: "https://store.test/" + owner + "/zips/" + a.Key + ".zip", ExpiresIn: time.Hour}, nil
}

type fakeDownloads struct {
	recs []*models.DownloadRecord
	err  error
}

func (f *fakeDownloads) ListReady(context.Context, string, time.Time, int) ([]*models.DownloadRecord, error) {
	return f.recs, f.err
}
