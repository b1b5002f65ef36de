package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

func (s *stubService) setUpdateHook(fn func(attempt int, sectionID string, content remote.Content) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateSection = fn
}

func TestUpdateSection_VisibleBeforeConfirmation(t *testing.T) {
	svc := newStub()
	gate := make(chan struct{})
	svc.updateSection = func(int, string, remote.Content) error {
		<-gate
		return nil
	}
	e := loadedEngine(t, svc)

	require.NoError(t, e.UpdateSection(context.Background(), "A", remote.Content{"text": "x"}))

	snap := e.Snapshot()
	assert.Equal(t, "x", sectionText(t, snap, "A"))
	p, ok := snap.PendingFor("A")
	require.True(t, ok, "pending entry for A")
	assert.Equal(t, "x", p.Content["text"])
	assert.Equal(t, "a0", p.Base["text"])

	close(gate)
	e.Wait()

	snap = e.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, "x", sectionText(t, snap, "A"))
	assert.Equal(t, "server", mustSection(t, snap, "A").UpdatedBy)
	assert.Zero(t, snap.InFlight)
}

func TestUpdateSection_RollsBackAfterRetriesRunOut(t *testing.T) {
	svc := newStub()
	svc.updateSection = func(int, string, remote.Content) error { return networkErr("update section") }
	waits := &sleeps{}
	e := loadedEngine(t, svc, func(o *Options) {
		o.Retry = retry.Controller{MaxAttempts: 3, BaseDelay: time.Second, Sleep: waits.sleep}
	})

	require.NoError(t, e.UpdateSection(context.Background(), "A", remote.Content{"text": "x"}))
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, 3, svc.count("UpdateSection"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits.recorded())
	assert.Equal(t, "a0", sectionText(t, snap, "A"))
	_, pending := snap.PendingFor("A")
	assert.False(t, pending)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, remote.KindNetwork, snap.LastError.Kind)
	assert.Equal(t, "update section", snap.LastError.Op)
	assert.Equal(t, "A", snap.LastError.Key)
	assert.True(t, snap.LastError.Retryable)
}

func TestUpdateSection_PermanentFailureIsNotRetried(t *testing.T) {
	svc := newStub()
	svc.updateSection = func(int, string, remote.Content) error {
		return remote.ValidationError("update section", "content too large")
	}
	e := loadedEngine(t, svc)

	require.NoError(t, e.UpdateSection(context.Background(), "A", remote.Content{"text": "x"}))
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, 1, svc.count("UpdateSection"))
	assert.Equal(t, "a0", sectionText(t, snap, "A"))
	require.NotNil(t, snap.LastError)
	assert.Equal(t, remote.KindValidation, snap.LastError.Kind)
	assert.False(t, snap.LastError.Retryable)
}

func TestUpdateSection_UnknownSection(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)

	err := e.UpdateSection(context.Background(), "missing", remote.Content{"text": "x"})
	require.Error(t, err)
	assert.Equal(t, remote.KindValidation, remote.KindOf(err))
	e.Wait()

	snap := e.Snapshot()
	assert.Zero(t, svc.count("UpdateSection"))
	assert.Empty(t, snap.Pending)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "missing", snap.LastError.Key)
}

func TestUpdateSection_SucceedsAfterOneRetry(t *testing.T) {
	svc := newStub()
	svc.updateSection = func(attempt int, _ string, _ remote.Content) error {
		if attempt == 1 {
			return networkErr("update section")
		}
		return nil
	}
	e := loadedEngine(t, svc)
	before := e.Snapshot().LastSyncTime

	require.NoError(t, e.UpdateSection(context.Background(), "A", remote.Content{"text": "x"}))
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, 2, svc.count("UpdateSection"))
	assert.Equal(t, "x", sectionText(t, snap, "A"))
	assert.Empty(t, snap.Pending)
	assert.Nil(t, snap.LastError)
	assert.True(t, snap.LastSyncTime.After(before), "LastSyncTime should advance")
	assert.False(t, snap.IsSaving())
}

func TestUpdateSection_SlowWriteDoesNotRollBackNewerOne(t *testing.T) {
	svc := newStub()
	gate := make(chan struct{})
	svc.updateSection = func(_ int, _ string, content remote.Content) error {
		<-gate
		if content["text"] == "first" {
			return remote.ValidationError("update section", "rejected")
		}
		return nil
	}
	e := loadedEngine(t, svc)
	ctx := context.Background()

	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "first"}))
	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "second"}))
	close(gate)
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, "second", sectionText(t, snap, "A"))
	assert.Empty(t, snap.Pending)
	assert.Nil(t, snap.LastError)
}

func TestUpdateSection_ConfirmedOlderWriteBecomesRollbackBase(t *testing.T) {
	svc := newStub()
	firstSent := make(chan struct{})
	release := make(chan struct{})
	svc.updateSection = func(_ int, _ string, content remote.Content) error {
		switch content["text"] {
		case "first":
			close(firstSent)
			<-release
			return nil
		default:
			return remote.ValidationError("update section", "rejected")
		}
	}
	e := loadedEngine(t, svc)
	ctx := context.Background()

	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "first"}))
	<-firstSent
	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "second"}))
	close(release)
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, "first", sectionText(t, snap, "A"), "rollback returns to the confirmed write")
	assert.Empty(t, snap.Pending)
	require.NotNil(t, snap.LastError)
}

func TestOfflineQueue_FlushesOnReconnect(t *testing.T) {
	svc := newStub()
	svc.report.Sections = append(svc.report.Sections, remote.Section{ID: "C", Content: remote.Content{"text": "c0"}})
	e := loadedEngine(t, svc)
	ctx := context.Background()
	loads := svc.total()

	e.SetOnline(ctx, false)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, e.UpdateSection(ctx, id, remote.Content{"text": id + "1"}))
	}
	e.Wait()

	snap := e.Snapshot()
	assert.False(t, snap.IsOnline)
	require.Len(t, snap.Pending, 3)
	for _, p := range snap.Pending {
		assert.True(t, p.Offline, "entry %s should be queued", p.Key)
	}
	assert.Equal(t, loads, svc.total(), "no remote calls while offline")

	e.SetOnline(ctx, true)
	e.Wait()

	snap = e.Snapshot()
	assert.True(t, snap.IsOnline)
	assert.Equal(t, 3, svc.count("UpdateSection"))
	assert.Empty(t, snap.Pending)
	assert.Equal(t, "C1", sectionText(t, snap, "C"))

	assert.Zero(t, e.FlushPending(ctx))
	assert.Zero(t, e.FlushPending(ctx))
	assert.Equal(t, 3, svc.count("UpdateSection"))
}

func TestOfflineQueue_ReplaysInInsertionOrder(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)
	ctx := context.Background()

	e.SetOnline(ctx, false)
	require.NoError(t, e.UpdateSection(ctx, "B", remote.Content{"text": "b1"}))
	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "a1"}))
	require.NoError(t, e.UpdateSection(ctx, "B", remote.Content{"text": "b2"}))

	assert.Zero(t, e.FlushPending(ctx), "flush does nothing while offline")
	e.SetOnline(ctx, true)
	e.Wait()

	require.Len(t, svc.sent, 2)
	assert.Equal(t, "b2", svc.sent[0]["text"])
	assert.Equal(t, "a1", svc.sent[1]["text"])
}

func TestOfflineQueue_NetworkFailureAfterDisconnectRequeues(t *testing.T) {
	svc := newStub()
	var e *Engine
	svc.updateSection = func(int, string, remote.Content) error { return networkErr("update section") }
	e = loadedEngine(t, svc, func(o *Options) {
		o.Retry = retry.Controller{Sleep: func(ctx context.Context, _ time.Duration) error {
			e.SetOnline(ctx, false)
			return nil
		}}
	})
	ctx := context.Background()

	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "x"}))
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, "x", sectionText(t, snap, "A"), "edit kept")
	p, ok := snap.PendingFor("A")
	require.True(t, ok)
	assert.True(t, p.Offline)
	assert.Nil(t, snap.LastError)

	svc.setUpdateHook(nil)
	e.SetOnline(ctx, true)
	e.Wait()

	snap = e.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, "x", sectionText(t, snap, "A"))
}

func TestAddSection_ConfirmAndRollback(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)
	ctx := context.Background()

	id, err := e.AddSection(ctx, remote.Section{Title: "Budget", Content: remote.Content{"text": "n"}}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, []string{"A", id, "B"}, e.Snapshot().SectionIDs())
	e.Wait()
	assert.Empty(t, e.Snapshot().Pending)

	svc.addSection = func(int, remote.Section) error {
		return remote.NewError(remote.KindAuthorization, "add section", nil)
	}
	_, err = e.AddSection(ctx, remote.Section{ID: "Z"}, -1)
	require.NoError(t, err)
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, []string{"A", id, "B"}, snap.SectionIDs())
	assert.Empty(t, snap.Pending)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, remote.KindAuthorization, snap.LastError.Kind)

	_, err = e.AddSection(ctx, remote.Section{ID: "A"}, 0)
	assert.Equal(t, remote.KindValidation, remote.KindOf(err))
}

func TestRemoveSection_RollbackRestoresPositionAndConfirmedContent(t *testing.T) {
	svc := newStub()
	svc.removeSection = func(int, string) error {
		return remote.NewError(remote.KindUnknown, "remove section", nil)
	}
	e := loadedEngine(t, svc)
	ctx := context.Background()

	e.SetOnline(ctx, false)
	require.NoError(t, e.UpdateSection(ctx, "A", remote.Content{"text": "draft"}))
	require.NoError(t, e.RemoveSection(ctx, "A"))
	assert.Equal(t, []string{"B"}, e.Snapshot().SectionIDs())

	e.SetOnline(ctx, true)
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, []string{"A", "B"}, snap.SectionIDs())
	assert.Equal(t, "a0", sectionText(t, snap, "A"))
	assert.Empty(t, snap.Pending)
	assert.Zero(t, svc.count("UpdateSection"), "removal replaced the queued edit")
	assert.Equal(t, 1, svc.count("RemoveSection"))
}

func TestRemoveSection_UnsentAddCancelsOut(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)
	ctx := context.Background()

	e.SetOnline(ctx, false)
	id, err := e.AddSection(ctx, remote.Section{Title: "Scratch"}, -1)
	require.NoError(t, err)
	require.NoError(t, e.RemoveSection(ctx, id))
	assert.Empty(t, e.Snapshot().Pending)

	e.SetOnline(ctx, true)
	e.Wait()
	assert.Zero(t, svc.count("AddSection"))
	assert.Zero(t, svc.count("RemoveSection"))
}

func TestUpdateSection_FoldsIntoQueuedAdd(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)
	ctx := context.Background()

	e.SetOnline(ctx, false)
	id, err := e.AddSection(ctx, remote.Section{Content: remote.Content{"text": "v1"}}, -1)
	require.NoError(t, err)
	require.NoError(t, e.UpdateSection(ctx, id, remote.Content{"text": "v2"}))

	snap := e.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, state.ChangeAdd, snap.Pending[0].Kind)

	e.SetOnline(ctx, true)
	e.Wait()

	assert.Equal(t, 1, svc.count("AddSection"))
	assert.Zero(t, svc.count("UpdateSection"))
	require.Len(t, svc.sent, 1)
	assert.Equal(t, "v2", svc.sent[0]["text"])
	assert.Empty(t, e.Snapshot().Pending)
}

func TestUpdateSection_FoldsIntoUnsentOnlineAdd(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)
	ctx := context.Background()

	// Holding the section lock keeps the add's confirmation from claiming
	// the entry before the edit lands.
	unlock := e.locks.lock("N")
	_, err := e.AddSection(ctx, remote.Section{ID: "N", Content: remote.Content{"text": "n0"}}, -1)
	require.NoError(t, err)
	require.NoError(t, e.UpdateSection(ctx, "N", remote.Content{"text": "n1"}))

	snap := e.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, state.ChangeAdd, snap.Pending[0].Kind)

	unlock()
	e.Wait()

	snap = e.Snapshot()
	assert.Equal(t, 1, svc.count("AddSection"))
	assert.Zero(t, svc.count("UpdateSection"))
	require.Len(t, svc.sent, 1)
	assert.Equal(t, "n1", svc.sent[0]["text"])
	assert.Equal(t, "n1", sectionText(t, snap, "N"))
	assert.Empty(t, snap.Pending)
	assert.Nil(t, snap.LastError)
}

func TestRemoveSection_UnsentOnlineAddCancelsOut(t *testing.T) {
	svc := newStub()
	svc.removeSection = func(int, string) error {
		return remote.ValidationError("remove section", "not found")
	}
	e := loadedEngine(t, svc)
	ctx := context.Background()

	unlock := e.locks.lock("N")
	_, err := e.AddSection(ctx, remote.Section{ID: "N", Title: "Scratch"}, -1)
	require.NoError(t, err)
	require.NoError(t, e.RemoveSection(ctx, "N"))
	unlock()
	e.Wait()

	snap := e.Snapshot()
	assert.Zero(t, svc.count("AddSection"))
	assert.Zero(t, svc.count("RemoveSection"))
	_, visible := snap.Section("N")
	assert.False(t, visible)
	assert.Empty(t, snap.Pending)
	assert.Nil(t, snap.LastError)
}

func TestUpdateSection_AfterInFlightAddIsSentSeparately(t *testing.T) {
	svc := newStub()
	addStarted := make(chan struct{})
	release := make(chan struct{})
	svc.addSection = func(int, remote.Section) error {
		close(addStarted)
		<-release
		return nil
	}
	e := loadedEngine(t, svc)
	ctx := context.Background()

	_, err := e.AddSection(ctx, remote.Section{ID: "N", Content: remote.Content{"text": "n0"}}, -1)
	require.NoError(t, err)
	<-addStarted
	require.NoError(t, e.UpdateSection(ctx, "N", remote.Content{"text": "n1"}))
	close(release)
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, 1, svc.count("AddSection"))
	assert.Equal(t, 1, svc.count("UpdateSection"))
	require.Len(t, svc.sent, 2)
	assert.Equal(t, "n1", svc.sent[1]["text"])
	assert.Equal(t, "n1", sectionText(t, snap, "N"))
	assert.Empty(t, snap.Pending)
}

func TestReorderSections(t *testing.T) {
	svc := newStub()
	e := loadedEngine(t, svc)
	ctx := context.Background()

	err := e.ReorderSections(ctx, []string{"A"})
	assert.Equal(t, remote.KindValidation, remote.KindOf(err))

	require.NoError(t, e.ReorderSections(ctx, []string{"B", "A"}))
	e.Wait()
	assert.Equal(t, []string{"B", "A"}, e.Snapshot().SectionIDs())
	assert.Empty(t, e.Snapshot().Pending)

	svc.reorderSections = func(int, []string) error {
		return remote.NewError(remote.KindConflict, "reorder sections", nil)
	}
	require.NoError(t, e.ReorderSections(ctx, []string{"A", "B"}))
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, []string{"B", "A"}, snap.SectionIDs())
	assert.Empty(t, snap.Pending)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, remote.KindConflict, snap.LastError.Kind)
}

func TestUpdateSection_ConflictAdoptsRemoteReport(t *testing.T) {
	svc := newStub()
	serverCopy := svc.report
	serverCopy.Sections = []remote.Section{
		{ID: "A", Content: remote.Content{"text": "theirs"}},
		{ID: "B", Content: remote.Content{"text": "b0"}},
	}
	svc.updateSection = func(int, string, remote.Content) error {
		return &remote.Error{Kind: remote.KindConflict, Op: "update section", Status: 409, Remote: &serverCopy}
	}
	e := loadedEngine(t, svc)

	require.NoError(t, e.UpdateSection(context.Background(), "A", remote.Content{"text": "mine"}))
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, "theirs", sectionText(t, snap, "A"))
	require.NotNil(t, snap.LastError)
	assert.Equal(t, remote.KindConflict, snap.LastError.Kind)
}

func mustSection(t *testing.T, s state.EngineState, id string) remote.Section {
	t.Helper()
	sec, ok := s.Section(id)
	require.True(t, ok, "section %s missing", id)
	return sec
}
