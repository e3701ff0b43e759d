// Package orchestrator drives one conversion from quota check to signed
// download link and tracks the progress of every running job.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/dmitrijs2005/convertly/internal/server/progress"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultSignedURLTTL = 5 * time.Minute
	DefaultPollInterval = time.Second
)

// Progress bands of a conversion.
const (
	uploadBandEnd  = 50.0
	convertBandEnd = 90.0
	resultStored   = 95.0
	done           = 100.0
)

var conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convertly_conversions_total",
	Help: "Conversion jobs by final state.",
}, []string{"state"})

// Request describes one conversion. Exactly one of FilePath and UploadID is set.
type Request struct {
	OwnerID  string
	FilePath string
	UploadID string
	Format   string
	Quality  string
	// JobID lets the caller pick the id it will poll; generated when empty.
	JobID string
}

// Result is returned once the converted file is stored and signed.
type Result struct {
	JobID       string
	DownloadURL string
	OutputPath  string
	ExpiresIn   time.Duration
}

type Options struct {
	ScratchDir   string
	SignedURLTTL time.Duration
	PollInterval time.Duration
}

type job struct {
	progress models.JobProgress
	uploadID string
	cancel   context.CancelFunc
	aborted  bool
}

// Orchestrator runs conversions. It is safe for concurrent use.
type Orchestrator struct {
	quota     Quota
	uploads   Uploads
	blobs     Blobs
	runner    Runner
	downloads Downloads
	progress  progress.Store
	log       logging.Logger

	workDir      string
	signedURLTTL time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

func New(q Quota, uploads Uploads, blobs Blobs, runner Runner, downloads Downloads, store progress.Store, opts Options, log logging.Logger) (*Orchestrator, error) {
	workDir, err := filex.EnsureDir(filepath.Join(opts.ScratchDir, "work"))
	if err != nil {
		return nil, fmt.Errorf("conversion scratch dir: %w", err)
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = DefaultSignedURLTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Orchestrator{
		quota:        q,
		uploads:      uploads,
		blobs:        blobs,
		runner:       runner,
		downloads:    downloads,
		progress:     store,
		log:          log.With("module", "orchestrator"),
		workDir:      workDir,
		signedURLTTL: opts.SignedURLTTL,
		pollInterval: opts.PollInterval,
		now:          time.Now,
		jobs:         map[string]*job{},
	}, nil
}

// OutputKey is where a converted file is stored.
func OutputKey(owner, baseName, jobID, format string) string {
	return fmt.Sprintf("%s/converted/%s-%s.%s", owner, baseName, jobID, format)
}

func (r Request) validate() error {
	if r.OwnerID == "" {
		return common.ErrorUnauthorized
	}
	if (r.FilePath == "") == (r.UploadID == "") {
		return fmt.Errorf("%w: exactly one of filePath and uploadId is required", common.ErrorValidation)
	}
	if !converter.IsSupported(r.Format) {
		return fmt.Errorf("%w: %q", common.ErrUnsupportedFormat, r.Format)
	}
	if r.FilePath != "" && !ownsPath(r.OwnerID, r.FilePath) {
		return common.ErrorForbidden
	}
	return nil
}

func ownsPath(owner, path string) bool {
	if !strings.HasPrefix(path, owner+"/") {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// Convert runs the whole pipeline: quota check, source resolution,
// conversion, result upload, signing, quota increment. Nothing happens
// before the quota check passes. The quota is only charged once a download
// link exists.
func (o *Orchestrator) Convert(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	req.Format = strings.ToLower(strings.TrimPrefix(req.Format, "."))

	if _, err := o.quota.Check(ctx, req.OwnerID, 1); err != nil {
		return Result{}, err
	}

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	jctx, j, err := o.register(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer j.cancel()

	log := o.log.With("job_id", req.JobID, "owner", req.OwnerID)

	if err := o.downloads.Create(ctx, &models.DownloadRecord{
		ID:         uuid.NewString(),
		UserID:     req.OwnerID,
		JobID:      req.JobID,
		SourcePath: req.FilePath + req.UploadID,
		Format:     req.Format,
		Quality:    req.Quality,
	}); err != nil {
		if errors.Is(err, common.ErrorForbidden) {
			o.finish(ctx, req.JobID, models.JobFailed, "job id belongs to another user")
			return Result{}, err
		}
		log.Warn(ctx, "download bookkeeping create failed", "error", err)
	}

	res, err := o.run(jctx, req, log)
	if err != nil {
		return Result{}, o.fail(ctx, req.JobID, log, err)
	}

	if err := o.quota.Increment(ctx, req.OwnerID); err != nil {
		log.Error(ctx, "quota increment failed", "error", err)
	}
	if err := o.downloads.MarkReady(ctx, req.JobID, res.OutputPath, o.now().Add(res.ExpiresIn)); err != nil {
		log.Warn(ctx, "download bookkeeping ready failed", "error", err)
	}

	o.finish(ctx, req.JobID, models.JobCompleted, "")
	conversionsTotal.WithLabelValues(string(models.JobCompleted)).Inc()
	log.Info(ctx, "conversion completed", "output", res.OutputPath)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, log logging.Logger) (Result, error) {
	src, cleanup, err := o.resolveSource(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	o.advance(ctx, req.JobID, models.JobConverting, uploadBandEnd, "converting")

	base := strings.TrimSuffix(src.name, filepath.Ext(src.name))
	localOut := filepath.Join(o.workDir, req.JobID+"-out."+req.Format)
	defer func() { _ = filex.RemoveQuiet(localOut) }()

	err = o.runner.Run(ctx, converter.Job{
		InputPath:  src.path,
		OutputPath: localOut,
		Format:     req.Format,
		Quality:    req.Quality,
	}, func(p float64) {
		o.advance(ctx, req.JobID, models.JobConverting, uploadBandEnd+p*(convertBandEnd-uploadBandEnd)/100, "converting")
	})
	if err != nil {
		return Result{}, err
	}
	o.advance(ctx, req.JobID, models.JobConverting, convertBandEnd, "uploading result")

	key := OutputKey(req.OwnerID, base, req.JobID, req.Format)
	if err := o.storeResult(ctx, localOut, key, req); err != nil {
		return Result{}, err
	}
	o.advance(ctx, req.JobID, models.JobConverting, resultStored, "signing")

	signed, err := o.blobs.SignedURL(ctx, key, o.signedURLTTL, blobstore.WithDownloadName(base+"."+req.Format))
	if err != nil {
		return Result{}, err
	}

	log.Debug(ctx, "result signed", "key", key)
	return Result{JobID: req.JobID, DownloadURL: signed.URL, OutputPath: key, ExpiresIn: signed.ExpiresIn}, nil
}

func (o *Orchestrator) storeResult(ctx context.Context, localPath, key string, req Request) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open result: %w", err)
	}
	defer f.Close()

	_, err = o.blobs.Put(ctx, f, key, converter.MIMEType(req.Format), map[string]string{
		"owner-id": req.OwnerID,
		"job-id":   req.JobID,
		"format":   req.Format,
	})
	return err
}

type source struct {
	path string
	name string
}

// resolveSource returns a local copy of the input. Queue scratch files are
// used in place; anything fetched from the blob store is removed by cleanup.
func (o *Orchestrator) resolveSource(ctx context.Context, req Request) (source, func(), error) {
	noop := func() {}

	key := req.FilePath
	name := filepath.Base(req.FilePath)

	if req.UploadID != "" {
		up, err := o.waitForUpload(ctx, req)
		if err != nil {
			return source{}, noop, err
		}
		name = up.FileName
		if _, err := os.Stat(up.LocalPath); err == nil {
			return source{path: up.LocalPath, name: name}, noop, nil
		}
		key = up.StorageKey
	}

	data, err := o.blobs.Get(ctx, key)
	if err != nil {
		if blobstore.IsNotFound(err) {
			return source{}, noop, fmt.Errorf("%w: %s", common.ErrorNotFound, key)
		}
		return source{}, noop, err
	}

	local := filepath.Join(o.workDir, req.JobID+"-src-"+filex.SanitizeFilename(name))
	if _, err := filex.WriteFileAtomic(local, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	}); err != nil {
		return source{}, noop, fmt.Errorf("write source: %w", err)
	}

	return source{path: local, name: name}, func() { _ = filex.RemoveQuiet(local) }, nil
}

// waitForUpload polls the queue until the upload reaches a terminal state.
func (o *Orchestrator) waitForUpload(ctx context.Context, req Request) (models.QueuedUpload, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		up, ok := o.uploads.Status(req.UploadID)
		if !ok {
			return models.QueuedUpload{}, fmt.Errorf("%w: upload %s", common.ErrorNotFound, req.UploadID)
		}
		if up.OwnerID != req.OwnerID {
			return models.QueuedUpload{}, common.ErrorForbidden
		}

		switch up.Status {
		case models.UploadCompleted:
			o.advance(ctx, req.JobID, models.JobPending, uploadBandEnd, "upload complete")
			return up, nil
		case models.UploadFailed:
			return models.QueuedUpload{}, fmt.Errorf("%w: %s", common.ErrUploadFailed, up.Error)
		case models.UploadAborted:
			return models.QueuedUpload{}, common.ErrUploadAborted
		case models.UploadUploading:
			o.advance(ctx, req.JobID, models.JobPending, uploadBandEnd/2, "uploading")
		}

		select {
		case <-ctx.Done():
			return models.QueuedUpload{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
