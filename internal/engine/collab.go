package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

// Engine receives presence and export pushes from a remote.Feed.
var _ remote.FeedHandler = (*Engine)(nil)

// StartCollaboration opens a co-editing session on the loaded report.
// Starting while a session is active replaces it without ending the old
// one remotely.
func (e *Engine) StartCollaboration(ctx context.Context, participantIDs []string) error {
	const op = "start collaboration"
	participants := append([]string(nil), participantIDs...)
	rerun := func(ctx context.Context) error { return e.StartCollaboration(ctx, participants) }
	reportID, err := e.requireReport(op)
	if err != nil {
		e.fail(op, "", err, rerun)
		return err
	}
	sess, err := retry.Do(ctx, e.retry, func(ctx context.Context) (*remote.CollaborationSession, error) {
		return e.svc.StartCollaboration(ctx, reportID, participants)
	})
	if err != nil {
		e.fail(op, reportID, err, rerun)
		return err
	}
	if sess.ReportID == "" {
		sess.ReportID = reportID
	}
	if len(sess.Participants) == 0 {
		sess.Participants = participants
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	if err := e.store.Dispatch(state.SessionSet{Session: sess}); err != nil {
		err = rejected(op, err)
		e.fail(op, reportID, err, rerun)
		return err
	}
	e.logger.Info("collaboration started", zap.String("session", sess.ID), zap.Strings("participants", sess.Participants))
	return nil
}

// EndCollaboration closes the active session. Without one it does nothing.
// If the service refuses, the session stays active and LastError is set.
func (e *Engine) EndCollaboration(ctx context.Context) error {
	const op = "end collaboration"
	snap := e.store.Snapshot()
	if snap.Session == nil {
		return nil
	}
	reportID := snap.Session.ReportID
	if reportID == "" {
		reportID = snap.ReportID()
	}
	err := e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.svc.EndCollaboration(ctx, reportID)
	})
	if err != nil {
		e.fail(op, reportID, err, e.EndCollaboration)
		return err
	}
	_ = e.store.Dispatch(state.SessionSet{})
	e.logger.Info("collaboration ended", zap.String("session", snap.Session.ID))
	return nil
}

// ApplyPresence replaces the participant set of the active session.
func (e *Engine) ApplyPresence(participants []string) {
	_ = e.store.Dispatch(state.PresenceUpdated{Participants: participants})
}

// OnPresence applies a pushed presence update for the loaded report.
func (e *Engine) OnPresence(reportID string, participants []string) {
	if reportID != "" && reportID != e.store.Snapshot().ReportID() {
		return
	}
	e.ApplyPresence(participants)
}

// OnExportStatus applies a pushed status update keyed by the service's job id.
func (e *Engine) OnExportStatus(remoteJobID string, update remote.ExportStatusUpdate) {
	for _, job := range e.store.Snapshot().ExportJobs {
		if job.RemoteID == remoteJobID {
			if err := e.ApplyExportStatus(job.ID, update); err != nil {
				e.logger.Debug("ignoring export push", zap.String("job", job.ID), zap.Error(err))
			}
			return
		}
	}
	e.logger.Debug("export push for unknown job", zap.String("remote_job", remoteJobID))
}
