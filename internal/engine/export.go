package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

var exportFormats = map[remote.ExportFormat]bool{
	remote.FormatPDF:    true,
	remote.FormatExcel:  true,
	remote.FormatSlides: true,
	remote.FormatWord:   true,
}

// ExportReport queues an export of the loaded report and returns the local
// job id. The job starts queued, moves to processing once the service
// acknowledges it, and is then advanced by polling and pushes. Submission
// is not retried because a lost response would start a second export.
func (e *Engine) ExportReport(ctx context.Context, format remote.ExportFormat, opts remote.ExportOptions) (string, error) {
	const op = "export report"
	rerun := func(ctx context.Context) error {
		_, err := e.ExportReport(ctx, format, opts)
		return err
	}
	reportID, err := e.requireReport(op)
	if err == nil && !exportFormats[format] {
		err = remote.ValidationError(op, "unsupported format %q", format)
	}
	if err != nil {
		e.fail(op, "", err, rerun)
		return "", err
	}

	now := time.Now()
	job := remote.ExportJob{
		ID:        uuid.NewString(),
		Format:    format,
		Status:    remote.ExportQueued,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Dispatch(state.ExportJobUpserted{Job: job}); err != nil {
		err = rejected(op, err)
		e.fail(op, "", err, rerun)
		return "", err
	}

	jobCtx, cancel := e.background(ctx)
	e.jobsMu.Lock()
	e.jobs[job.ID] = cancel
	e.jobsMu.Unlock()

	e.pollWG.Add(1)
	go func() {
		defer e.pollWG.Done()
		defer e.stopPoller(job.ID)
		e.runExport(jobCtx, reportID, job, rerun)
	}()
	return job.ID, nil
}

func (e *Engine) runExport(ctx context.Context, reportID string, job remote.ExportJob, rerun func(context.Context) error) {
	const op = "export report"
	remoteID, err := e.svc.ExportReport(ctx, reportID, job.Format, job.Options)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.finishExport(job.ID, remote.ExportFailed, err.Error())
		e.fail(op, job.ID, err, rerun)
		return
	}

	acked := false
	_ = e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		j, ok := cur.ExportJob(job.ID)
		if !ok || j.Status.Terminal() {
			return nil, nil
		}
		acked = true
		j.RemoteID = remoteID
		j.Status = remote.ExportProcessing
		j.UpdatedAt = time.Now()
		return []state.Action{state.ExportJobUpserted{Job: j}}, nil
	})
	if !acked {
		// Cancelled or dropped while the request was in flight.
		e.cancelRemoteExport(remoteID)
		return
	}
	e.logger.Info("export accepted", zap.String("job", job.ID), zap.String("remote_job", remoteID), zap.String("format", string(job.Format)))

	if e.exportPoll < 0 {
		<-ctx.Done()
		return
	}
	e.pollExport(ctx, job.ID, remoteID)
}

// pollExport asks for job status until the job is terminal or ctx ends,
// backing off while the service is failing.
func (e *Engine) pollExport(ctx context.Context, jobID, remoteID string) {
	failures := 0
	for {
		delay := e.exportPoll
		if failures > 0 {
			delay = retry.Backoff(failures, e.exportPoll, e.exportPollMax)
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return
		}
		update, err := e.svc.GetExportStatus(ctx, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !remote.IsRetryable(err) {
				e.finishExport(jobID, remote.ExportFailed, err.Error())
				e.fail("export status", jobID, err, nil)
				return
			}
			failures++
			e.logger.Debug("export poll failed", zap.String("job", jobID), zap.Int("failures", failures), zap.Error(err))
			continue
		}
		failures = 0
		if err := e.ApplyExportStatus(jobID, *update); err != nil {
			return
		}
		if job, ok := e.store.Snapshot().ExportJob(jobID); !ok || job.Status.Terminal() {
			return
		}
	}
}

// ApplyExportStatus advances a job from a poll or push. Updates that would
// move a job backwards, or touch a terminal job, are ignored.
func (e *Engine) ApplyExportStatus(jobID string, update remote.ExportStatusUpdate) error {
	const op = "export status"
	terminal := false
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		j, ok := cur.ExportJob(jobID)
		if !ok {
			return nil, remote.ValidationError(op, "export job %q not found", jobID)
		}
		if j.Status.Terminal() {
			return nil, nil
		}
		j.Status = update.Status
		if update.Progress != nil {
			p := *update.Progress
			j.Progress = &p
		}
		if update.ResultURL != "" {
			j.ResultURL = update.ResultURL
		}
		if update.Error != "" {
			j.Error = update.Error
		}
		j.UpdatedAt = time.Now()
		terminal = update.Status.Terminal()
		return []state.Action{state.ExportJobUpserted{Job: j}}, nil
	})
	if err != nil {
		return rejected(op, err)
	}
	if terminal {
		e.stopPoller(jobID)
		e.logger.Info("export finished", zap.String("job", jobID), zap.String("status", string(update.Status)))
	}
	return nil
}

// CancelExport cancels a queued or processing job. Cancelling a terminal
// job does nothing.
func (e *Engine) CancelExport(ctx context.Context, jobID string) error {
	const op = "cancel export"
	rerun := func(ctx context.Context) error { return e.CancelExport(ctx, jobID) }
	job, ok := e.store.Snapshot().ExportJob(jobID)
	if !ok {
		err := remote.ValidationError(op, "export job %q not found", jobID)
		e.fail(op, jobID, err, rerun)
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.RemoteID != "" {
		err := e.retry.Execute(ctx, func(ctx context.Context) error {
			return e.svc.CancelExport(ctx, job.RemoteID)
		})
		if err != nil {
			e.fail(op, jobID, err, rerun)
			return err
		}
	}
	e.stopPoller(jobID)
	e.finishExport(jobID, remote.ExportCancelled, "")
	return nil
}

func (e *Engine) finishExport(jobID string, status remote.ExportStatus, msg string) {
	_ = e.ApplyExportStatus(jobID, remote.ExportStatusUpdate{Status: status, Error: msg})
}

// cancelRemoteExport cancels a job the service accepted after it was
// cancelled locally.
func (e *Engine) cancelRemoteExport(remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.svc.CancelExport(ctx, remoteID)
	}); err != nil {
		e.logger.Warn("could not cancel orphaned export", zap.String("remote_job", remoteID), zap.Error(err))
	}
}

func (e *Engine) stopPoller(jobID string) {
	e.jobsMu.Lock()
	cancel, ok := e.jobs[jobID]
	delete(e.jobs, jobID)
	e.jobsMu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) stopAllPollers() {
	e.jobsMu.Lock()
	jobs := e.jobs
	e.jobs = make(map[string]context.CancelFunc)
	e.jobsMu.Unlock()
	for _, cancel := range jobs {
		cancel()
	}
}
