package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/five82/reportsync/internal/remote"
)

func sampleReport() remote.Report {
	return remote.Report{
		ID:     "R1",
		Title:  "Q3 status",
		Status: remote.StatusDraft,
		Sections: []remote.Section{
			{ID: "A", Title: "Summary", Content: remote.Content{"text": "a0"}},
			{ID: "B", Title: "Risks", Content: remote.Content{"text": "b0"}},
		},
	}
}

func loadedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(EngineState{IsOnline: true})
	if err := s.Dispatch(ReportLoaded{Report: sampleReport()}); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestStore_SnapshotIsIndependent(t *testing.T) {
	s := loadedStore(t)

	snap := s.Snapshot()
	snap.Report.Sections[0].Content["text"] = "mutated"
	snap.Report.Sections[1].ID = "Z"

	again := s.Snapshot()
	if got := again.Report.Sections[0].Content["text"]; got != "a0" {
		t.Fatalf("content leaked through snapshot: %v", got)
	}
	if again.Report.Sections[1].ID != "B" {
		t.Fatalf("section id leaked through snapshot: %q", again.Report.Sections[1].ID)
	}
}

func TestStore_DispatchBatchIsAtomic(t *testing.T) {
	s := loadedStore(t)
	before := s.Snapshot()

	err := s.Dispatch(
		SectionUpserted{Section: remote.Section{ID: "A", Content: remote.Content{"text": "new"}}},
		PendingSet{Change: PendingChange{Key: "A", Content: remote.Content{"text": "new"}, Seq: 1}},
		SectionRemoved{ID: "missing"},
	)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Dispatch error = %v, want ErrRejected", err)
	}
	after := s.Snapshot()
	if got := after.Report.Sections[0].Content["text"]; got != "a0" {
		t.Fatalf("partial batch applied: section A = %v", got)
	}
	if len(after.Pending) != 0 {
		t.Fatalf("partial batch applied: pending = %+v", after.Pending)
	}
	if after.Version != before.Version {
		t.Fatalf("Version = %d, want unchanged %d", after.Version, before.Version)
	}
}

func TestStore_UpdateReadsAndWritesUnderOneLock(t *testing.T) {
	s := NewStore(EngineState{})
	if err := s.Dispatch(ReportLoaded{Report: remote.Report{ID: "R1"}}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(func(cur EngineState) ([]Action, error) {
				key := fmt.Sprintf("k%d", len(cur.Pending))
				return []Action{PendingSet{Change: PendingChange{Key: key}}}, nil
			})
		}()
	}
	wg.Wait()

	if got := len(s.Snapshot().Pending); got != 50 {
		t.Fatalf("pending entries = %d, want 50 distinct keys", got)
	}
}

func TestStore_OnChangeReportsVersionAndActions(t *testing.T) {
	s := NewStore(EngineState{})
	var got []Change
	s.OnChange(func(c Change) { got = append(got, c) })

	if err := s.Dispatch(ConnectivitySet{Online: true}, Synced{At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Dispatch(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("listener calls = %d, want 1", len(got))
	}
	if got[0].Version != 2 || len(got[0].Actions) != 2 || got[0].Actions[0] != "connectivity_set" {
		t.Fatalf("change = %+v, want version 2 with two actions", got[0])
	}
}

func TestStore_NextSeqIsMonotonic(t *testing.T) {
	s := NewStore(EngineState{})
	if a, b := s.NextSeq(), s.NextSeq(); a != 1 || b != 2 {
		t.Fatalf("NextSeq = %d, %d; want 1, 2", a, b)
	}
}
