package state

import (
	"errors"
	"fmt"

	"github.com/five82/reportsync/internal/remote"
)

// ErrRejected wraps every transition Reduce refuses to apply.
var ErrRejected = errors.New("transition rejected")

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Reduce returns the state after applying a. prev is never modified. When a
// is rejected the returned state is prev and the error wraps ErrRejected.
func Reduce(prev EngineState, a Action) (EngineState, error) {
	next := prev.Clone()
	if err := apply(&next, a); err != nil {
		return prev, err
	}
	next.Version = prev.Version + 1
	return next, nil
}

func apply(s *EngineState, a Action) error {
	switch a := a.(type) {
	case LoadStarted:
		s.IsLoading = true
	case ReportLoaded:
		return applyReportLoaded(s, a)
	case ReportReplaced:
		if s.Report == nil || s.Report.ID != a.Report.ID {
			return reject("replace report %q: not loaded", a.Report.ID)
		}
		sections := s.Report.Sections
		r := a.Report
		r.Sections = sections
		s.Report = &r
	case ReportCleared:
		online := s.IsOnline
		*s = EngineState{IsOnline: online}
	case SectionUpserted:
		return applySectionUpserted(s, a)
	case SectionRemoved:
		i := s.SectionIndex(a.ID)
		if i < 0 {
			return reject("remove section %q: not found", a.ID)
		}
		s.Report.Sections = append(s.Report.Sections[:i], s.Report.Sections[i+1:]...)
	case SectionsReordered:
		return applyReorder(s, a.IDs)
	case InsightsSet:
		for _, in := range a.Insights {
			if err := checkInsight(in); err != nil {
				return err
			}
		}
		s.Insights = append([]remote.Insight(nil), a.Insights...)
	case InsightMerged:
		if err := checkInsight(a.Insight); err != nil {
			return err
		}
		for i := range s.Insights {
			if s.Insights[i].ID == a.Insight.ID {
				s.Insights[i] = a.Insight
				return nil
			}
		}
		s.Insights = append(s.Insights, a.Insight)
	case SessionSet:
		if a.Session == nil {
			s.Session = nil
			return nil
		}
		if s.Report != nil && a.Session.ReportID != "" && a.Session.ReportID != s.Report.ID {
			return reject("session %q belongs to report %q", a.Session.ID, a.Session.ReportID)
		}
		sess := a.Session.Clone()
		s.Session = &sess
	case PresenceUpdated:
		if s.Session != nil {
			s.Session.Participants = cloneStrings(a.Participants)
		}
	case ExportJobUpserted:
		return applyExportJob(s, a.Job)
	case PendingSet:
		if a.Change.Key == "" {
			return reject("pending change without key")
		}
		change := a.Change.Clone()
		for i := range s.Pending {
			if s.Pending[i].Key == change.Key {
				s.Pending[i] = change
				return nil
			}
		}
		s.Pending = append(s.Pending, change)
	case PendingCleared:
		for i, p := range s.Pending {
			if p.Key != a.Key {
				continue
			}
			if a.Seq != 0 && p.Seq != a.Seq {
				return nil
			}
			s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
			return nil
		}
	case InFlightChanged:
		s.InFlight += a.Delta
		if s.InFlight < 0 {
			s.InFlight = 0
		}
	case ErrorSet:
		if a.Err == nil {
			s.LastError = nil
			return nil
		}
		e := *a.Err
		s.LastError = &e
		s.IsLoading = false
	case ConnectivitySet:
		s.IsOnline = a.Online
	case Synced:
		if a.At.After(s.LastSyncTime) {
			s.LastSyncTime = a.At
		}
	case AnalysisSet:
		s.Analysis = a.Result
	case ChatRecorded:
		res := a.Result
		s.LastChat = &res
	default:
		return reject("unknown action %T", a)
	}
	return nil
}

func applyReportLoaded(s *EngineState, a ReportLoaded) error {
	seen := make(map[string]bool, len(a.Report.Sections))
	for _, sec := range a.Report.Sections {
		if sec.ID == "" {
			return reject("load report %q: section without id", a.Report.ID)
		}
		if seen[sec.ID] {
			return reject("load report %q: duplicate section %q", a.Report.ID, sec.ID)
		}
		seen[sec.ID] = true
	}

	r := a.Report
	r.Sections = cloneSections(a.Report.Sections)
	sameReport := s.Report != nil && s.Report.ID == r.ID
	s.Report = &r
	s.IsLoading = false

	if !sameReport {
		online := s.IsOnline
		report := s.Report
		*s = EngineState{IsOnline: online, Report: report}
		return nil
	}

	// Keep local overrides visible: the loaded copy is the new confirmed
	// base for content changes still awaiting the service.
	for i := range s.Pending {
		p := &s.Pending[i]
		if p.Kind != ChangeContent {
			continue
		}
		idx := s.SectionIndex(p.Key)
		if idx < 0 {
			continue
		}
		p.Base = s.Report.Sections[idx].Content.Clone()
		s.Report.Sections[idx].Content = p.Content.Clone()
	}
	return nil
}

func applySectionUpserted(s *EngineState, a SectionUpserted) error {
	if s.Report == nil {
		return reject("upsert section %q: no report loaded", a.Section.ID)
	}
	if a.Section.ID == "" {
		return reject("upsert section: empty id")
	}
	sec := a.Section.Clone()
	if i := s.SectionIndex(sec.ID); i >= 0 {
		s.Report.Sections[i] = sec
		return nil
	}
	idx := a.Index
	if idx < 0 || idx > len(s.Report.Sections) {
		idx = len(s.Report.Sections)
	}
	secs := s.Report.Sections
	secs = append(secs, remote.Section{})
	copy(secs[idx+1:], secs[idx:])
	secs[idx] = sec
	s.Report.Sections = secs
	return nil
}

func applyReorder(s *EngineState, ids []string) error {
	if s.Report == nil {
		return reject("reorder: no report loaded")
	}
	if len(ids) != len(s.Report.Sections) {
		return reject("reorder: got %d ids for %d sections", len(ids), len(s.Report.Sections))
	}
	byID := make(map[string]remote.Section, len(ids))
	for _, sec := range s.Report.Sections {
		byID[sec.ID] = sec
	}
	ordered := make([]remote.Section, 0, len(ids))
	for _, id := range ids {
		sec, ok := byID[id]
		if !ok {
			return reject("reorder: unknown or repeated section %q", id)
		}
		delete(byID, id)
		ordered = append(ordered, sec)
	}
	s.Report.Sections = ordered
	return nil
}

func checkInsight(in remote.Insight) error {
	if in.ID == "" {
		return reject("insight without id")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return reject("insight %q: confidence %v outside [0,1]", in.ID, in.Confidence)
	}
	return nil
}

func exportRank(s remote.ExportStatus) int {
	switch s {
	case remote.ExportQueued:
		return 0
	case remote.ExportProcessing:
		return 1
	case remote.ExportCompleted, remote.ExportFailed, remote.ExportCancelled:
		return 2
	default:
		return -1
	}
}

// applyExportJob enforces queued -> processing -> terminal. Updates to a
// terminal job and backwards moves are dropped without error because pushes
// and polls race each other.
func applyExportJob(s *EngineState, job remote.ExportJob) error {
	if job.ID == "" {
		return reject("export job without id")
	}
	if exportRank(job.Status) < 0 {
		return reject("export job %q: unknown status %q", job.ID, job.Status)
	}
	if job.Progress != nil {
		p := *job.Progress
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		job.Progress = &p
	}
	for i := range s.ExportJobs {
		cur := &s.ExportJobs[i]
		if cur.ID != job.ID {
			continue
		}
		if cur.Status.Terminal() || exportRank(job.Status) < exportRank(cur.Status) {
			return nil
		}
		merged := job.Clone()
		if merged.RemoteID == "" {
			merged.RemoteID = cur.RemoteID
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = cur.CreatedAt
		}
		if merged.Progress == nil && cur.Progress != nil && !merged.Status.Terminal() {
			p := *cur.Progress
			merged.Progress = &p
		}
		*cur = merged
		return nil
	}
	s.ExportJobs = append(s.ExportJobs, job.Clone())
	return nil
}
