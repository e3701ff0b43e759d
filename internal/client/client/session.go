package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session runs the requests of one batch and remembers enough about them to
// abort the whole batch: local requests are cancelled and the server is told
// to drop queued uploads and running conversions.
type Session struct {
	client *Client

	mu       sync.Mutex
	seq      int
	inflight map[int]context.CancelFunc
	jobs     map[string]struct{}
	uploads  map[string]struct{}
	aborted  bool
}

func NewSession(c *Client) *Session {
	return &Session{
		client:   c,
		inflight: make(map[int]context.CancelFunc),
		jobs:     make(map[string]struct{}),
		uploads:  make(map[string]struct{}),
	}
}

// track derives a cancellable request context. The returned func must be
// called when the request finishes.
func (s *Session) track(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return nil, nil, context.Canceled
	}

	ctx, cancel := context.WithCancel(ctx)
	s.seq++
	id := s.seq
	s.inflight[id] = cancel

	return ctx, func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel()
	}, nil
}

func (s *Session) Upload(ctx context.Context, path string) (UploadResult, error) {
	ctx, done, err := s.track(ctx)
	if err != nil {
		return UploadResult{}, err
	}
	defer done()

	res, err := s.client.Upload(ctx, path)
	if err == nil && res.Queued() {
		s.mu.Lock()
		s.uploads[res.UploadID] = struct{}{}
		s.mu.Unlock()
	}
	return res, err
}

func (s *Session) WaitForUpload(ctx context.Context, uploadID string, interval time.Duration) (string, error) {
	ctx, done, err := s.track(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	path, err := s.client.WaitForUpload(ctx, uploadID, interval)
	if err == nil {
		s.mu.Lock()
		delete(s.uploads, uploadID)
		s.mu.Unlock()
	}
	return path, err
}

// Convert registers the job id before the request is sent so that an abort
// racing with the request still reaches the server. A request without a job
// id cannot be aborted remotely.
func (s *Session) Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	ctx, done, err := s.track(ctx)
	if err != nil {
		return ConvertResult{}, err
	}
	defer done()

	if req.JobID != "" {
		s.mu.Lock()
		s.jobs[req.JobID] = struct{}{}
		s.mu.Unlock()
	}

	res, err := s.client.Convert(ctx, req)

	// A cancelled request leaves the job running on the server until it is
	// aborted there.
	if req.JobID != "" && ctx.Err() == nil {
		s.mu.Lock()
		delete(s.jobs, req.JobID)
		s.mu.Unlock()
	}
	return res, err
}

// Pending returns the ids of uploads and jobs the server may still be working on.
func (s *Session) Pending() (uploads, jobs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.uploads {
		uploads = append(uploads, id)
	}
	for id := range s.jobs {
		jobs = append(jobs, id)
	}
	return uploads, jobs
}

// Abort stops the batch. Further requests through the session fail with
// context.Canceled. ctx bounds the server-side abort calls and should not be
// the context that was just cancelled.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	s.aborted = true
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	jobs := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		jobs = append(jobs, id)
	}
	s.jobs = make(map[string]struct{})
	s.uploads = make(map[string]struct{})
	s.mu.Unlock()

	var errs []error
	if _, err := s.client.AbortAllUploads(ctx); err != nil {
		errs = append(errs, fmt.Errorf("abort uploads: %w", err))
	}
	for _, id := range jobs {
		if _, err := s.client.AbortConversion(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("abort conversion %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
