package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/models"
)

func (o *Orchestrator) register(ctx context.Context, req Request) (context.Context, *job, error) {
	jctx, cancel := context.WithCancel(ctx)

	start := 0.0
	if req.UploadID == "" {
		start = uploadBandEnd
	}
	j := &job{
		uploadID: req.UploadID,
		cancel:   cancel,
		progress: models.JobProgress{
			JobID:     req.JobID,
			OwnerID:   req.OwnerID,
			State:     models.JobPending,
			Progress:  start,
			UpdatedAt: o.now(),
		},
	}

	o.mu.Lock()
	if _, busy := o.jobs[req.JobID]; busy {
		o.mu.Unlock()
		cancel()
		return nil, nil, fmt.Errorf("%w: job %s is already running", common.ErrorValidation, req.JobID)
	}
	o.jobs[req.JobID] = j
	snapshot := j.progress
	o.mu.Unlock()

	o.persist(ctx, j.uploadID, snapshot)
	return jctx, j, nil
}

// advance moves a job forward. Progress never decreases and terminal jobs
// are left alone.
func (o *Orchestrator) advance(ctx context.Context, jobID string, state models.JobState, pct float64, msg string) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	if !ok || j.progress.State.Terminal() {
		o.mu.Unlock()
		return
	}

	p := &j.progress
	changed := state != p.State || msg != p.Message || int(pct) > int(p.Progress)
	if pct > p.Progress {
		p.Progress = min(pct, done)
	}
	if p.State == models.JobPending && state == models.JobConverting {
		p.State = state
	}
	p.Message = msg
	p.UpdatedAt = o.now()
	snapshot, uploadID := *p, j.uploadID
	o.mu.Unlock()

	if changed {
		o.persist(ctx, uploadID, snapshot)
	}
}

// finish moves a job into a terminal state and drops it from the active set.
func (o *Orchestrator) finish(ctx context.Context, jobID string, state models.JobState, msg string) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p := &j.progress
	p.State = state
	p.Error = msg
	p.Message = ""
	if state == models.JobCompleted {
		p.Progress = done
	}
	p.UpdatedAt = o.now()
	snapshot, uploadID := *p, j.uploadID
	delete(o.jobs, jobID)
	o.mu.Unlock()

	o.persist(context.WithoutCancel(ctx), uploadID, snapshot)
}

// fail records why a job ended and returns the error for the caller. An
// aborted job reports ErrConversionAborted whatever the underlying cause.
func (o *Orchestrator) fail(ctx context.Context, jobID string, log logging.Logger, err error) error {
	o.mu.Lock()
	aborted := false
	if j, ok := o.jobs[jobID]; ok {
		aborted = j.aborted
	}
	o.mu.Unlock()

	if aborted || errors.Is(err, common.ErrUploadAborted) ||
		(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		o.finish(ctx, jobID, models.JobAborted, common.ErrConversionAborted.Error())
		o.markFailed(ctx, jobID, log, common.ErrConversionAborted.Error())
		conversionsTotal.WithLabelValues(string(models.JobAborted)).Inc()
		log.Info(ctx, "conversion aborted")
		if errors.Is(err, common.ErrUploadAborted) {
			return err
		}
		return common.ErrConversionAborted
	}

	msg := err.Error()
	var te *converter.ToolError
	if errors.As(err, &te) && te.Message != "" {
		msg = te.Message
	}

	o.finish(ctx, jobID, models.JobFailed, msg)
	o.markFailed(ctx, jobID, log, msg)
	conversionsTotal.WithLabelValues(string(models.JobFailed)).Inc()
	log.Error(ctx, "conversion failed", "error", err)
	return err
}

func (o *Orchestrator) markFailed(ctx context.Context, jobID string, log logging.Logger, msg string) {
	if err := o.downloads.MarkFailed(context.WithoutCancel(ctx), jobID, msg); err != nil && !errors.Is(err, common.ErrorNotFound) {
		log.Warn(ctx, "download bookkeeping failed update failed", "error", err)
	}
}

func (o *Orchestrator) persist(ctx context.Context, uploadID string, p models.JobProgress) {
	if err := o.progress.Set(ctx, p.JobID, p); err != nil {
		o.log.Warn(ctx, "progress write failed", "job_id", p.JobID, "error", err)
	}
	if uploadID == "" {
		return
	}
	if err := o.progress.Set(ctx, uploadID, p); err != nil {
		o.log.Warn(ctx, "progress write failed", "upload_id", uploadID, "error", err)
	}
}

// Progress returns the latest progress for a job id or for the upload id a
// job was started from.
func (o *Orchestrator) Progress(ctx context.Context, ref string) (models.JobProgress, bool, error) {
	o.mu.Lock()
	if j, ok := o.jobs[ref]; ok {
		p := j.progress
		o.mu.Unlock()
		return p, true, nil
	}
	for _, j := range o.jobs {
		if j.uploadID == ref {
			p := j.progress
			o.mu.Unlock()
			return p, true, nil
		}
	}
	o.mu.Unlock()

	return o.progress.Get(ctx, ref)
}

// Abort cancels a running job and returns the state it had. Finished jobs
// are left as they are.
func (o *Orchestrator) Abort(ctx context.Context, owner, jobID string) (models.JobState, error) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	if ok {
		if j.progress.OwnerID != owner {
			o.mu.Unlock()
			return "", common.ErrorForbidden
		}
		prev := j.progress.State
		j.aborted = true
		cancel := j.cancel
		o.mu.Unlock()

		cancel()
		o.log.Info(ctx, "conversion abort requested", "job_id", jobID, "previous", prev)
		return prev, nil
	}
	o.mu.Unlock()

	p, found, err := o.progress.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", common.ErrorNotFound
	}
	if p.OwnerID != owner {
		return "", common.ErrorForbidden
	}
	return p.State, nil
}

// ActiveJobs lists the owner's jobs that have not finished.
func (o *Orchestrator) ActiveJobs(owner string) []models.JobProgress {
	o.mu.Lock()
	var out []models.JobProgress
	for _, j := range o.jobs {
		if j.progress.OwnerID == owner {
			out = append(out, j.progress)
		}
	}
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b models.JobProgress) int {
		if a.JobID < b.JobID {
			return -1
		}
		if a.JobID > b.JobID {
			return 1
		}
		return 0
	})
	return out
}
