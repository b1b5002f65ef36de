package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

const (
	opUpdateSection   = "update section"
	opAddSection      = "add section"
	opRemoveSection   = "remove section"
	opReorderSections = "reorder sections"
)

// UpdateSection shows content immediately and confirms it in the background.
// While offline the change waits in the pending map until reconnect.
func (e *Engine) UpdateSection(ctx context.Context, sectionID string, content remote.Content) error {
	seq := e.store.NextSeq()
	online := false
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		sec, ok := cur.Section(sectionID)
		if !ok {
			return nil, remote.ValidationError(opUpdateSection, "section %q not found", sectionID)
		}
		online = cur.IsOnline
		change := state.PendingChange{
			Key:      sectionID,
			Kind:     state.ChangeContent,
			Content:  content.Clone(),
			Base:     sec.Content.Clone(),
			Seq:      seq,
			Offline:  !online,
			QueuedAt: time.Now(),
		}
		if prev, ok := cur.PendingFor(sectionID); ok {
			switch {
			case prev.Kind == state.ChangeAdd && !prev.Sent:
				// Never sent: fold the edit into the pending add.
				added := sec
				added.Content = content.Clone()
				prev.Section = &added
				prev.Base = content.Clone()
				prev.Seq = seq
				prev.Offline = !online
				change = prev
			case prev.Kind == state.ChangeAdd:
				change.Base = prev.Section.Content.Clone()
			case prev.Kind == state.ChangeContent:
				change.Base = prev.Base.Clone()
			}
		}
		sec.Content = content.Clone()
		return []state.Action{
			state.SectionUpserted{Section: sec, Index: -1},
			state.PendingSet{Change: change},
		}, nil
	})
	if err != nil {
		err = rejected(opUpdateSection, err)
		e.fail(opUpdateSection, sectionID, err, func(ctx context.Context) error {
			return e.UpdateSection(ctx, sectionID, content)
		})
		return err
	}
	if online {
		e.spawn(ctx, func(ctx context.Context) { e.confirm(ctx, sectionID, seq) })
	}
	return nil
}

// AddSection inserts section at index (negative or past the end appends)
// and returns its id, generating one when section.ID is empty.
func (e *Engine) AddSection(ctx context.Context, section remote.Section, index int) (string, error) {
	if section.ID == "" {
		section.ID = uuid.NewString()
	}
	sec := section.Clone()
	seq := e.store.NextSeq()
	online := false
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		if cur.Report == nil {
			return nil, remote.ValidationError(opAddSection, "no report loaded")
		}
		if _, exists := cur.Section(sec.ID); exists {
			return nil, remote.ValidationError(opAddSection, "section %q already exists", sec.ID)
		}
		if _, pending := cur.PendingFor(sec.ID); pending {
			return nil, remote.ValidationError(opAddSection, "section %q has an unconfirmed removal", sec.ID)
		}
		online = cur.IsOnline
		idx := index
		if idx < 0 || idx > len(cur.Report.Sections) {
			idx = len(cur.Report.Sections)
		}
		added := sec.Clone()
		return []state.Action{
			state.SectionUpserted{Section: sec, Index: idx},
			state.PendingSet{Change: state.PendingChange{
				Key:      sec.ID,
				Kind:     state.ChangeAdd,
				Section:  &added,
				Index:    idx,
				Base:     sec.Content.Clone(),
				Seq:      seq,
				Offline:  !online,
				QueuedAt: time.Now(),
			}},
		}, nil
	})
	if err != nil {
		err = rejected(opAddSection, err)
		e.fail(opAddSection, sec.ID, err, func(ctx context.Context) error {
			_, err := e.AddSection(ctx, section, index)
			return err
		})
		return "", err
	}
	if online {
		e.spawn(ctx, func(ctx context.Context) { e.confirm(ctx, sec.ID, seq) })
	}
	return sec.ID, nil
}

// RemoveSection deletes a section locally and confirms in the background.
func (e *Engine) RemoveSection(ctx context.Context, sectionID string) error {
	seq := e.store.NextSeq()
	send := false
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		sec, ok := cur.Section(sectionID)
		if !ok {
			return nil, remote.ValidationError(opRemoveSection, "section %q not found", sectionID)
		}
		idx := cur.SectionIndex(sectionID)
		removed := state.SectionRemoved{ID: sectionID}

		base := sec.Content.Clone()
		if prev, ok := cur.PendingFor(sectionID); ok {
			switch {
			case prev.Kind == state.ChangeAdd && !prev.Sent:
				// The service never saw it.
				return []state.Action{removed, state.PendingCleared{Key: sectionID}}, nil
			case prev.Kind == state.ChangeAdd:
				base = prev.Section.Content.Clone()
			case prev.Kind == state.ChangeContent:
				base = prev.Base.Clone()
			}
		}
		send = cur.IsOnline
		restore := sec.Clone()
		restore.Content = base.Clone()
		return []state.Action{
			removed,
			state.PendingSet{Change: state.PendingChange{
				Key:      sectionID,
				Kind:     state.ChangeRemove,
				Section:  &restore,
				Index:    idx,
				Base:     base,
				Seq:      seq,
				Offline:  !cur.IsOnline,
				QueuedAt: time.Now(),
			}},
		}, nil
	})
	if err != nil {
		err = rejected(opRemoveSection, err)
		e.fail(opRemoveSection, sectionID, err, func(ctx context.Context) error {
			return e.RemoveSection(ctx, sectionID)
		})
		return err
	}
	if send {
		e.spawn(ctx, func(ctx context.Context) { e.confirm(ctx, sectionID, seq) })
	}
	return nil
}

// ReorderSections applies a new order. orderedIDs must name every section
// exactly once.
func (e *Engine) ReorderSections(ctx context.Context, orderedIDs []string) error {
	ids := append([]string(nil), orderedIDs...)
	seq := e.store.NextSeq()
	online := false
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		if cur.Report == nil {
			return nil, remote.ValidationError(opReorderSections, "no report loaded")
		}
		online = cur.IsOnline
		prevOrder := cur.SectionIDs()
		if prev, ok := cur.PendingFor(state.ReorderKey); ok {
			prevOrder = prev.PrevOrder
		}
		return []state.Action{
			state.SectionsReordered{IDs: ids},
			state.PendingSet{Change: state.PendingChange{
				Key:       state.ReorderKey,
				Kind:      state.ChangeReorder,
				Order:     ids,
				PrevOrder: prevOrder,
				Seq:       seq,
				Offline:   !online,
				QueuedAt:  time.Now(),
			}},
		}, nil
	})
	if err != nil {
		err = rejected(opReorderSections, err)
		e.fail(opReorderSections, "", err, func(ctx context.Context) error {
			return e.ReorderSections(ctx, orderedIDs)
		})
		return err
	}
	if online {
		e.spawn(ctx, func(ctx context.Context) { e.confirm(ctx, state.ReorderKey, seq) })
	}
	return nil
}

var errStale = errors.New("pending change superseded")

// confirm sends the pending change under key if write seq still owns it,
// then settles the entry: cleared on success, rolled back on failure, or
// re-queued when the failure was connectivity and the engine went offline.
func (e *Engine) confirm(ctx context.Context, key string, seq uint64) {
	unlock := e.locks.lock(key)
	defer unlock()

	var (
		change   state.PendingChange
		reportID string
		queued   bool
	)
	err := e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		p, ok := cur.PendingFor(key)
		if !ok || p.Seq != seq {
			return nil, errStale
		}
		if !cur.IsOnline {
			queued = true
			if p.Offline {
				return nil, nil
			}
			p.Offline = true
			return []state.Action{state.PendingSet{Change: p}}, nil
		}
		if p.Kind == state.ChangeReorder {
			p.Order = existingOrder(p.Order, cur.SectionIDs())
		}
		p.Offline = false
		p.Sent = true
		change = p
		reportID = cur.ReportID()
		return []state.Action{state.PendingSet{Change: p}, state.InFlightChanged{Delta: 1}}, nil
	})
	if err != nil || queued {
		return
	}

	sent, err := e.send(ctx, reportID, change)
	if err != nil {
		e.settleFailure(change, err)
		return
	}
	e.settleSuccess(change, sent)
}

func (e *Engine) send(ctx context.Context, reportID string, p state.PendingChange) (*remote.Section, error) {
	return retry.Do(ctx, e.retry, func(ctx context.Context) (*remote.Section, error) {
		switch p.Kind {
		case state.ChangeAdd:
			return e.svc.AddSection(ctx, reportID, *p.Section, p.Index)
		case state.ChangeRemove:
			return nil, e.svc.RemoveSection(ctx, reportID, p.Key)
		case state.ChangeReorder:
			return nil, e.svc.ReorderSections(ctx, reportID, p.Order)
		default:
			return e.svc.UpdateSection(ctx, reportID, p.Key, p.Content)
		}
	})
}

func (e *Engine) settleSuccess(p state.PendingChange, confirmed *remote.Section) {
	now := time.Now()
	_ = e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		actions := []state.Action{state.InFlightChanged{Delta: -1}, state.Synced{At: now}}
		q, ok := cur.PendingFor(p.Key)
		switch {
		case !ok:
		case q.Seq == p.Seq:
			actions = append(actions, state.PendingCleared{Key: p.Key, Seq: p.Seq})
			if sec, ok := cur.Section(p.Key); ok && confirmed != nil && confirmed.ID == p.Key {
				actions = append(actions, state.SectionUpserted{Section: mergeConfirmed(sec, *confirmed), Index: -1})
			}
		case q.Kind == state.ChangeContent && p.Kind == state.ChangeContent:
			// A newer write owns the entry; what we sent is now the
			// confirmed base it rolls back to.
			q.Base = p.Content.Clone()
			actions = append(actions, state.PendingSet{Change: q})
		case q.Kind == state.ChangeContent && p.Kind == state.ChangeAdd:
			q.Base = p.Section.Content.Clone()
			actions = append(actions, state.PendingSet{Change: q})
		}
		return actions, nil
	})
	e.logger.Debug("change confirmed", zap.String("key", p.Key), zap.Stringer("kind", p.Kind), zap.Uint64("seq", p.Seq))
}

func (e *Engine) settleFailure(p state.PendingChange, err error) {
	kind := remote.KindOf(err)
	var (
		rolledBack bool
		requeued   bool
	)
	_ = e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		actions := []state.Action{state.InFlightChanged{Delta: -1}}
		q, ok := cur.PendingFor(p.Key)
		if !ok {
			return actions, nil
		}
		if q.Seq != p.Seq {
			return append(actions, supersededFailure(p, q)...), nil
		}
		if kind == remote.KindNetwork && !cur.IsOnline {
			requeued = true
			q.Offline = true
			q.Sent = false
			return append(actions, state.PendingSet{Change: q}), nil
		}
		rolledBack = true
		return append(actions, rollback(cur, q)...), nil
	})

	switch {
	case requeued:
		e.logger.Info("connection lost, change queued", zap.String("key", p.Key), zap.Error(err))
		return
	case !rolledBack:
		e.logger.Debug("superseded change failed", zap.String("key", p.Key), zap.Error(err))
		return
	}

	if remoteReport, ok := remote.ConflictState(err); ok && remoteReport.ID == e.store.Snapshot().ReportID() {
		if rerr := e.store.Dispatch(state.ReportLoaded{Report: *remoteReport}); rerr != nil {
			e.logger.Warn("could not adopt remote report after conflict", zap.Error(rerr))
		}
	}
	op, rerun := e.replay(p)
	key := p.Key
	if p.Kind == state.ChangeReorder {
		key = ""
	}
	e.fail(op, key, err, rerun)
}

// replay names the operation behind p and returns a func that re-issues it.
func (e *Engine) replay(p state.PendingChange) (string, func(ctx context.Context) error) {
	switch p.Kind {
	case state.ChangeAdd:
		sec := p.Section.Clone()
		return opAddSection, func(ctx context.Context) error {
			_, err := e.AddSection(ctx, sec, p.Index)
			return err
		}
	case state.ChangeRemove:
		return opRemoveSection, func(ctx context.Context) error {
			return e.RemoveSection(ctx, p.Key)
		}
	case state.ChangeReorder:
		order := append([]string(nil), p.Order...)
		return opReorderSections, func(ctx context.Context) error {
			return e.ReorderSections(ctx, order)
		}
	default:
		content := p.Content.Clone()
		return opUpdateSection, func(ctx context.Context) error {
			return e.UpdateSection(ctx, p.Key, content)
		}
	}
}

// rollback undoes q, the pending change that just failed, against cur.
func rollback(cur state.EngineState, q state.PendingChange) []state.Action {
	cleared := state.PendingCleared{Key: q.Key, Seq: q.Seq}
	switch q.Kind {
	case state.ChangeAdd:
		if _, ok := cur.Section(q.Key); ok {
			return []state.Action{state.SectionRemoved{ID: q.Key}, cleared}
		}
	case state.ChangeRemove:
		if _, ok := cur.Section(q.Key); !ok && q.Section != nil {
			return []state.Action{state.SectionUpserted{Section: q.Section.Clone(), Index: q.Index}, cleared}
		}
	case state.ChangeReorder:
		return []state.Action{state.SectionsReordered{IDs: restoreOrder(q.PrevOrder, cur.SectionIDs())}, cleared}
	default:
		if sec, ok := cur.Section(q.Key); ok {
			sec.Content = q.Base.Clone()
			return []state.Action{state.SectionUpserted{Section: sec, Index: -1}, cleared}
		}
	}
	return []state.Action{cleared}
}

// supersededFailure handles a failed write whose entry now belongs to a
// newer write. The newer write keeps its content; only entries that relied
// on the failed add existing remotely are adjusted.
func supersededFailure(p, q state.PendingChange) []state.Action {
	if p.Kind != state.ChangeAdd {
		return nil
	}
	switch q.Kind {
	case state.ChangeContent:
		// The section still has to be created.
		sec := p.Section.Clone()
		sec.Content = q.Content.Clone()
		q.Kind = state.ChangeAdd
		q.Section = &sec
		q.Index = p.Index
		q.Base = q.Content.Clone()
		return []state.Action{state.PendingSet{Change: q}}
	case state.ChangeRemove:
		// Nothing to remove remotely.
		return []state.Action{state.PendingCleared{Key: q.Key, Seq: q.Seq}}
	}
	return nil
}

func mergeConfirmed(local, confirmed remote.Section) remote.Section {
	if confirmed.Content != nil {
		local.Content = confirmed.Content.Clone()
	}
	if confirmed.Title != "" {
		local.Title = confirmed.Title
	}
	if !confirmed.UpdatedAt.IsZero() {
		local.UpdatedAt = confirmed.UpdatedAt
	}
	if confirmed.UpdatedBy != "" {
		local.UpdatedBy = confirmed.UpdatedBy
	}
	return local
}

// existingOrder drops ids that are no longer present.
func existingOrder(order, current []string) []string {
	present := make(map[string]bool, len(current))
	for _, id := range current {
		present[id] = true
	}
	out := make([]string, 0, len(order))
	for _, id := range order {
		if present[id] {
			out = append(out, id)
		}
	}
	return out
}

// restoreOrder returns prev limited to the current ids, followed by any
// current ids prev does not mention, so the result is always a permutation
// of current.
func restoreOrder(prev, current []string) []string {
	out := existingOrder(prev, current)
	seen := make(map[string]bool, len(out))
	for _, id := range out {
		seen[id] = true
	}
	for _, id := range current {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
