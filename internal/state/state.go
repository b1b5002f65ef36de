package state

import (
	"fmt"
	"time"

	"github.com/five82/reportsync/internal/remote"
)

// ReorderKey is the pending-map key used for a queued reorder, which belongs
// to no single section.
const ReorderKey = "\x00order"

// ChangeKind says what a pending change will do once sent.
type ChangeKind int

const (
	ChangeContent ChangeKind = iota
	ChangeAdd
	ChangeRemove
	ChangeReorder
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeReorder:
		return "reorder"
	default:
		return "content"
	}
}

// PendingChange is a locally applied change the service has not confirmed.
type PendingChange struct {
	Key  string
	Kind ChangeKind
	// Content is the unconfirmed payload for ChangeContent.
	Content remote.Content
	// Base is the last confirmed content, restored on rollback.
	Base remote.Content
	// Section and Index describe an add; Section also holds a removed
	// section so a failed remove can put it back at Index.
	Section *remote.Section
	Index   int
	// Order and PrevOrder describe a reorder.
	Order     []string
	PrevOrder []string
	// Seq identifies the write that owns this entry.
	Seq     uint64
	Offline bool
	// Sent is set once a request for this entry has gone to the service.
	// Until then later writes may fold into it.
	Sent     bool
	QueuedAt time.Time
}

// Clone returns an independent copy.
func (p PendingChange) Clone() PendingChange {
	p.Content = p.Content.Clone()
	p.Base = p.Base.Clone()
	if p.Section != nil {
		s := p.Section.Clone()
		p.Section = &s
	}
	p.Order = cloneStrings(p.Order)
	p.PrevOrder = cloneStrings(p.PrevOrder)
	return p
}

// OpError is a failure recorded in EngineState.
type OpError struct {
	Op        string
	Kind      remote.Kind
	Key       string
	Err       error
	At        time.Time
	Retryable bool
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// EngineState is everything the engine knows. Values handed out by Store are
// deep copies; mutate state only by dispatching actions.
type EngineState struct {
	Report     *remote.Report
	Insights   []remote.Insight
	Session    *remote.CollaborationSession
	ExportJobs []remote.ExportJob
	Pending    []PendingChange
	Analysis   *remote.AnalysisResult
	LastChat   *remote.ChatEditResult

	IsLoading    bool
	InFlight     int
	LastError    *OpError
	IsOnline     bool
	LastSyncTime time.Time
	Version      uint64
}

// IsSaving reports whether any write is awaiting the service.
func (s EngineState) IsSaving() bool { return s.InFlight > 0 }

// Sections returns the ordered section list, or nil without a report.
func (s EngineState) Sections() []remote.Section {
	if s.Report == nil {
		return nil
	}
	return s.Report.Sections
}

// Section looks up a section by id.
func (s EngineState) Section(id string) (remote.Section, bool) {
	if i := s.SectionIndex(id); i >= 0 {
		return s.Report.Sections[i], true
	}
	return remote.Section{}, false
}

// SectionIndex returns the position of a section or -1.
func (s EngineState) SectionIndex(id string) int {
	if s.Report == nil {
		return -1
	}
	for i, sec := range s.Report.Sections {
		if sec.ID == id {
			return i
		}
	}
	return -1
}

// SectionIDs returns the current order.
func (s EngineState) SectionIDs() []string {
	secs := s.Sections()
	ids := make([]string, len(secs))
	for i, sec := range secs {
		ids[i] = sec.ID
	}
	return ids
}

// PendingFor returns the pending change stored under key.
func (s EngineState) PendingFor(key string) (PendingChange, bool) {
	for _, p := range s.Pending {
		if p.Key == key {
			return p, true
		}
	}
	return PendingChange{}, false
}

// Insight looks up an insight by id.
func (s EngineState) Insight(id string) (remote.Insight, bool) {
	for _, in := range s.Insights {
		if in.ID == id {
			return in, true
		}
	}
	return remote.Insight{}, false
}

// ExportJob looks up a job by its local id.
func (s EngineState) ExportJob(id string) (remote.ExportJob, bool) {
	for _, j := range s.ExportJobs {
		if j.ID == id {
			return j, true
		}
	}
	return remote.ExportJob{}, false
}

// ReportID returns the loaded report's id or "".
func (s EngineState) ReportID() string {
	if s.Report == nil {
		return ""
	}
	return s.Report.ID
}

// Clone returns a deep copy.
func (s EngineState) Clone() EngineState {
	dup := s
	if s.Report != nil {
		r := *s.Report
		r.Metadata.Sources = cloneStrings(s.Report.Metadata.Sources)
		r.Sections = cloneSections(s.Report.Sections)
		dup.Report = &r
	}
	if s.Insights != nil {
		dup.Insights = append([]remote.Insight(nil), s.Insights...)
	}
	if s.Session != nil {
		sess := s.Session.Clone()
		dup.Session = &sess
	}
	if s.ExportJobs != nil {
		dup.ExportJobs = make([]remote.ExportJob, len(s.ExportJobs))
		for i, j := range s.ExportJobs {
			dup.ExportJobs[i] = j.Clone()
		}
	}
	if s.Pending != nil {
		dup.Pending = make([]PendingChange, len(s.Pending))
		for i, p := range s.Pending {
			dup.Pending[i] = p.Clone()
		}
	}
	if s.Analysis != nil {
		a := *s.Analysis
		dup.Analysis = &a
	}
	if s.LastChat != nil {
		c := *s.LastChat
		c.AppliedChanges = append([]remote.AppliedChange(nil), s.LastChat.AppliedChanges...)
		dup.LastChat = &c
	}
	if s.LastError != nil {
		e := *s.LastError
		dup.LastError = &e
	}
	return dup
}

func cloneSections(secs []remote.Section) []remote.Section {
	if secs == nil {
		return nil
	}
	dup := make([]remote.Section, len(secs))
	for i, sec := range secs {
		dup[i] = sec.Clone()
	}
	return dup
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
