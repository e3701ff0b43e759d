// Package blobstore is the single gateway to the S3-compatible object store.
// Every read and write goes through bounded retries with exponential backoff.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
)

// deleteBatchSize is the S3 DeleteObjects per-request maximum.
const deleteBatchSize = 1000

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convertly_blob_operations_total",
		Help: "Blob store operations by kind and outcome.",
	}, []string{"op", "result"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convertly_blob_retries_total",
		Help: "Blob store attempts that were retried.",
	}, []string{"op"})
)

// API is the subset of *s3.Client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Presigner is the subset of *s3.PresignClient the store uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Policy bounds one retried operation.
type Policy struct {
	Attempts       int
	Base           time.Duration
	AttemptTimeout time.Duration
}

func (p Policy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	attempts := max(p.Attempts, 1)
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

// Options tune the store. Zero values take the defaults.
type Options struct {
	Put           Policy
	Get           Policy
	GetDeadline   time.Duration
	ReadTimeout   time.Duration
	DeleteTimeout time.Duration
}

// DefaultOptions are the production retry settings.
func DefaultOptions() Options {
	return Options{
		Put:           Policy{Attempts: 3, Base: 2 * time.Second, AttemptTimeout: 30 * time.Second},
		Get:           Policy{Attempts: 5, Base: time.Second},
		GetDeadline:   2 * time.Minute,
		ReadTimeout:   time.Minute,
		DeleteTimeout: 30 * time.Second,
	}
}

// Store wraps the object store with retries, existence probing, batch
// deletes, signed URLs and deferred deletion.
type Store struct {
	api       API
	presigner Presigner
	bucket    string
	opts      Options
	log       logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	closed  bool
	nextID  int
	timers  map[int]*time.Timer
	pending sync.WaitGroup
}

func New(api API, presigner Presigner, bucket string, opts Options, log logging.Logger) *Store {
	def := DefaultOptions()
	if opts.Put.Attempts == 0 {
		opts.Put = def.Put
	}
	if opts.Get.Attempts == 0 {
		opts.Get = def.Get
	}
	if opts.GetDeadline == 0 {
		opts.GetDeadline = def.GetDeadline
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.DeleteTimeout == 0 {
		opts.DeleteTimeout = def.DeleteTimeout
	}

	return &Store{
		api:       api,
		presigner: presigner,
		bucket:    bucket,
		opts:      opts,
		log:       log.With("module", "blobstore"),
		now:       time.Now,
		timers:    map[int]*time.Timer{},
	}
}

// Put stores body under key. A response without an ETag counts as a failed
// attempt. Requests the store rejects (denied, bad bucket, invalid input)
// are not repeated. When Put gives up the result is a *StorageWriteError.
func (s *Store) Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error) {
	if key == "" {
		return models.StoredFile{}, errEmptyKey
	}

	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return models.StoredFile{}, fmt.Errorf("measure body: %w", err)
	}

	attempts := 0
	var lastErr error

	err = retry.Do(ctx, s.opts.Put.backoff(), func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			retriesTotal.WithLabelValues("put").Inc()
		}

		if _, err := body.Seek(0, io.SeekStart); err != nil {
			lastErr = err
			return err
		}

		actx, cancel := s.attemptContext(ctx, s.opts.Put.AttemptTimeout)
		out, err := s.api.PutObject(actx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(contentType),
			Metadata:      metadata,
		})
		cancel()

		if err == nil && (out == nil || aws.ToString(out.ETag) == "") {
			err = errMissingETag
		}
		if err != nil {
			lastErr = err
			if isRejected(err) {
				return err
			}
			s.log.Debug(ctx, "put attempt failed", "key", key, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		operationsTotal.WithLabelValues("put", "error").Inc()
		if lastErr == nil {
			lastErr = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
		}
		s.log.Error(ctx, "put failed", "key", key, "attempts", attempts, "error", lastErr)
		return models.StoredFile{}, &StorageWriteError{Key: key, Attempts: attempts, Err: lastErr}
	}

	operationsTotal.WithLabelValues("put", "ok").Inc()
	return models.StoredFile{Key: key, Size: size, ContentType: contentType, UploadedAt: s.now()}, nil
}

// Get reads the whole object. Not-found and timeout failures are retried
// (objects may not be visible right after a write); other failures return
// at once. The whole call is bounded by GetDeadline and each body read by
// ReadTimeout.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errEmptyKey
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GetDeadline)
	defer cancel()

	attempts := 0
	var lastErr error
	var data []byte

	err := retry.Do(gctx, s.opts.Get.backoff(), func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			retriesTotal.WithLabelValues("get").Inc()
		}

		b, err := s.readOnce(ctx, key)
		if err == nil {
			data = b
			return nil
		}

		lastErr = err
		if IsNotFound(err) || isTimeout(err) {
			s.log.Debug(ctx, "get attempt failed, retrying", "key", key, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	if err == nil {
		operationsTotal.WithLabelValues("get", "ok").Inc()
		return data, nil
	}

	operationsTotal.WithLabelValues("get", "error").Inc()
	if ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		return nil, &StorageTimeoutError{Key: key, Op: "get", After: s.opts.GetDeadline}
	}
	if lastErr == nil || ctx.Err() != nil {
		lastErr = err
	}
	return nil, &StorageReadError{Key: key, Attempts: attempts, Err: lastErr}
}

func (s *Store) readOnce(ctx context.Context, key string) ([]byte, error) {
	actx, cancel := s.attemptContext(ctx, s.opts.Get.AttemptTimeout)
	defer cancel()

	out, err := s.api.GetObject(actx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(&deadlineReader{r: out.Body, timeout: s.opts.ReadTimeout})
}

// Exists reports whether key is present. HEAD is tried first; stores that
// answer HEAD with 400/403 get a one-byte ranged GET instead. Unexpected
// failures are logged and reported as absent.
func (s *Store) Exists(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}

	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true
	}
	if IsNotFound(err) {
		return false
	}

	switch statusCode(err) {
	case http.StatusBadRequest, http.StatusForbidden:
		return s.existsByRange(ctx, key)
	}

	s.log.Warn(ctx, "exists check failed", "key", key, "error", err)
	return false
}

func (s *Store) existsByRange(ctx context.Context, key string) bool {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String("bytes=0-0"),
	})
	if err == nil {
		_ = out.Body.Close()
		return true
	}
	if IsNotFound(err) {
		return false
	}
	// zero-length objects cannot satisfy a byte range but do exist
	if statusCode(err) == http.StatusRequestedRangeNotSatisfiable {
		return true
	}

	s.log.Warn(ctx, "ranged exists check failed", "key", key, "error", err)
	return false
}

// Delete removes one object. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errEmptyKey
	}

	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !IsNotFound(err) {
		operationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("delete %s: %w", key, err)
	}

	operationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// DeleteBatch removes keys in requests of at most 1000. Empty input is a
// no-op. Per-key failures reported by the store are joined into the result.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	var errs []error
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete batch of %d: %w", end-start, err))
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("delete %s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}

	if err := errors.Join(errs...); err != nil {
		operationsTotal.WithLabelValues("delete_batch", "error").Inc()
		return err
	}
	operationsTotal.WithLabelValues("delete_batch", "ok").Inc()
	return nil
}

// SignOption customises a signed URL.
type SignOption func(*s3.GetObjectInput)

// WithDownloadName makes browsers save the object under name.
func WithDownloadName(name string) SignOption {
	return func(in *s3.GetObjectInput) {
		name = strings.ReplaceAll(name, `"`, "")
		in.ResponseContentDisposition = aws.String(fmt.Sprintf(`attachment; filename="%s"`, name))
	}
}

// SignedURL returns a GET link for key valid for ttl.
func (s *Store) SignedURL(ctx context.Context, key string, ttl time.Duration, opts ...SignOption) (models.SignedURL, error) {
	if key == "" {
		return models.SignedURL{}, errEmptyKey
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	for _, o := range opts {
		o(in)
	}

	req, err := s.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return models.SignedURL{}, fmt.Errorf("sign %s: %w", key, err)
	}

	return models.SignedURL{URL: req.URL, ExpiresIn: ttl}, nil
}

// ScheduleDelete removes keys after delay in the background. Failures are
// logged and never reach the caller. Close cancels what has not started.
func (s *Store) ScheduleDelete(keys []string, delay time.Duration) {
	if len(keys) == 0 {
		return
	}
	keys = append([]string(nil), keys...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	id := s.nextID
	s.nextID++
	s.pending.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.pending.Done()

		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeleteTimeout)
		defer cancel()
		if err := s.DeleteBatch(ctx, keys); err != nil {
			s.log.Warn(ctx, "scheduled delete failed", "keys", len(keys), "error", err)
			return
		}
		s.log.Debug(ctx, "scheduled delete done", "keys", len(keys))
	})
}

// Close stops pending scheduled deletes and waits for running ones.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStoreClosed
	}
	s.closed = true
	for id, t := range s.timers {
		if t.Stop() {
			s.pending.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
