package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

// LoadReport fetches a report and makes it the engine's document. Loading
// another report drops all state tied to the previous one; reloading the
// current one keeps unconfirmed changes visible on top of the fresh copy.
func (e *Engine) LoadReport(ctx context.Context, reportID string) error {
	const op = "load report"
	rerun := func(ctx context.Context) error { return e.LoadReport(ctx, reportID) }
	if reportID == "" {
		err := remote.ValidationError(op, "report id is required")
		e.fail(op, "", err, rerun)
		return err
	}

	_ = e.store.Dispatch(state.LoadStarted{})
	report, err := retry.Do(ctx, e.retry, func(ctx context.Context) (*remote.Report, error) {
		return e.svc.LoadReport(ctx, reportID)
	})
	if err != nil {
		e.fail(op, reportID, err, rerun)
		return err
	}
	if e.store.Snapshot().ReportID() != report.ID {
		e.stopAllPollers()
	}
	if err := e.store.Dispatch(state.ReportLoaded{Report: *report}, state.Synced{At: time.Now()}); err != nil {
		err = rejected(op, err)
		e.fail(op, reportID, err, rerun)
		return err
	}
	e.logger.Info("report loaded", zap.String("report", report.ID), zap.Int("sections", len(report.Sections)))
	return nil
}

// CreateReport creates a report on the service and returns its id. It is
// not retried because a lost response would create a duplicate.
func (e *Engine) CreateReport(ctx context.Context, req remote.CreateReportRequest) (string, error) {
	const op = "create report"
	id, err := e.svc.CreateReport(ctx, req)
	if err != nil {
		e.fail(op, "", err, func(ctx context.Context) error {
			_, err := e.CreateReport(ctx, req)
			return err
		})
		return "", err
	}
	return id, nil
}

// UpdateReport patches report level fields of the loaded report. An empty
// patch.ID targets the loaded report.
func (e *Engine) UpdateReport(ctx context.Context, patch remote.ReportPatch) error {
	const op = "update report"
	rerun := func(ctx context.Context) error { return e.UpdateReport(ctx, patch) }
	if patch.ID == "" {
		id, err := e.requireReport(op)
		if err != nil {
			e.fail(op, "", err, rerun)
			return err
		}
		patch.ID = id
	}
	report, err := retry.Do(ctx, e.retry, func(ctx context.Context) (*remote.Report, error) {
		return e.svc.UpdateReport(ctx, patch)
	})
	if err != nil {
		e.fail(op, patch.ID, err, rerun)
		return err
	}
	if e.store.Snapshot().ReportID() != report.ID {
		return nil
	}
	if err := e.store.Dispatch(state.ReportReplaced{Report: *report}, state.Synced{At: time.Now()}); err != nil {
		err = rejected(op, err)
		e.fail(op, patch.ID, err, rerun)
		return err
	}
	return nil
}

// DeleteReport deletes the loaded report and clears local state.
func (e *Engine) DeleteReport(ctx context.Context) error {
	const op = "delete report"
	reportID, err := e.requireReport(op)
	if err != nil {
		e.fail(op, "", err, e.DeleteReport)
		return err
	}
	err = e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.svc.DeleteReport(ctx, reportID)
	})
	if err != nil {
		e.fail(op, reportID, err, e.DeleteReport)
		return err
	}
	e.stopAllPollers()
	_ = e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		if cur.ReportID() != reportID {
			return nil, nil
		}
		return []state.Action{state.ReportCleared{}}, nil
	})
	e.logger.Info("report deleted", zap.String("report", reportID))
	return nil
}

// GenerateInsights asks the service for insights on the loaded report and
// replaces the local set.
func (e *Engine) GenerateInsights(ctx context.Context, categories ...string) error {
	const op = "generate insights"
	rerun := func(ctx context.Context) error { return e.GenerateInsights(ctx, categories...) }
	reportID, err := e.requireReport(op)
	if err != nil {
		e.fail(op, "", err, rerun)
		return err
	}
	items, err := retry.Do(ctx, e.retry, func(ctx context.Context) ([]remote.Insight, error) {
		return e.svc.GenerateInsights(ctx, reportID, categories...)
	})
	if err != nil {
		e.fail(op, reportID, err, rerun)
		return err
	}
	if err := e.store.Dispatch(state.InsightsSet{Insights: items}); err != nil {
		err = rejected(op, err)
		e.fail(op, reportID, err, rerun)
		return err
	}
	return nil
}

// ValidateInsight marks an insight valid or invalid optimistically.
func (e *Engine) ValidateInsight(ctx context.Context, insightID string, valid bool, notes string) error {
	const op = "validate insight"
	verdict := remote.Invalid
	if valid {
		verdict = remote.Valid
	}
	return e.mutateInsight(ctx, op, insightID,
		func(in *remote.Insight) {
			in.Validation = verdict
			in.Notes = notes
		},
		func(ctx context.Context, reportID string) error {
			return e.svc.ValidateInsight(ctx, reportID, insightID, valid, notes)
		},
		func(ctx context.Context) error { return e.ValidateInsight(ctx, insightID, valid, notes) },
	)
}

// SubmitInsightFeedback attaches a feedback tag to an insight optimistically.
func (e *Engine) SubmitInsightFeedback(ctx context.Context, insightID, tag string) error {
	const op = "insight feedback"
	return e.mutateInsight(ctx, op, insightID,
		func(in *remote.Insight) { in.Feedback = tag },
		func(ctx context.Context, reportID string) error {
			return e.svc.SubmitInsightFeedback(ctx, reportID, insightID, tag)
		},
		func(ctx context.Context) error { return e.SubmitInsightFeedback(ctx, insightID, tag) },
	)
}

// mutateInsight applies edit locally, sends it with call in the background
// and puts the previous insight back if the service refuses, unless a
// later edit has replaced it meanwhile.
func (e *Engine) mutateInsight(
	ctx context.Context,
	op, insightID string,
	edit func(*remote.Insight),
	call func(ctx context.Context, reportID string) error,
	rerun func(ctx context.Context) error,
) error {
	var before, after remote.Insight
	var reportID string
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		in, ok := cur.Insight(insightID)
		if !ok {
			return nil, remote.ValidationError(op, "insight %q not found", insightID)
		}
		before, after, reportID = in, in, cur.ReportID()
		edit(&after)
		return []state.Action{state.InsightMerged{Insight: after}, state.InFlightChanged{Delta: 1}}, nil
	})
	if err != nil {
		err = rejected(op, err)
		e.fail(op, insightID, err, rerun)
		return err
	}

	e.spawn(ctx, func(ctx context.Context) {
		unlock := e.locks.lock("insight:" + insightID)
		defer unlock()

		err := e.retry.Execute(ctx, func(ctx context.Context) error {
			return call(ctx, reportID)
		})
		now := time.Now()
		_ = e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
			actions := []state.Action{state.InFlightChanged{Delta: -1}}
			if err == nil {
				return append(actions, state.Synced{At: now}), nil
			}
			if in, ok := cur.Insight(insightID); ok && in == after {
				actions = append(actions, state.InsightMerged{Insight: before})
			}
			return actions, nil
		})
		if err != nil {
			e.fail(op, insightID, err, rerun)
		}
	})
	return nil
}

// RunAnalysis runs a Monte Carlo analysis on the service and stores the
// result.
func (e *Engine) RunAnalysis(ctx context.Context, params remote.AnalysisParams) error {
	const op = "run analysis"
	rerun := func(ctx context.Context) error { return e.RunAnalysis(ctx, params) }
	reportID, err := e.requireReport(op)
	if err != nil {
		e.fail(op, "", err, rerun)
		return err
	}
	result, err := retry.Do(ctx, e.retry, func(ctx context.Context) (*remote.AnalysisResult, error) {
		return e.svc.RunAnalysis(ctx, reportID, params)
	})
	if err != nil {
		e.fail(op, reportID, err, rerun)
		return err
	}
	return e.store.Dispatch(state.AnalysisSet{Result: result}, state.Synced{At: time.Now()})
}
