package state

import (
	"time"

	"github.com/five82/reportsync/internal/remote"
)

// Action is one state transition. The set is closed: only this package
// defines actions, and Reduce handles every one of them.
type Action interface {
	action()
	// Name labels the action in logs and change events.
	Name() string
}

// LoadStarted marks a report load in progress.
type LoadStarted struct{}

// ReportLoaded replaces the report wholesale. Reloading the same report keeps
// pending changes and re-applies their content on top of the loaded sections;
// loading a different report resets everything except connectivity.
type ReportLoaded struct {
	Report remote.Report
}

// ReportReplaced swaps report level fields and keeps the section sequence.
type ReportReplaced struct {
	Report remote.Report
}

// ReportCleared drops the loaded report, as after a delete.
type ReportCleared struct{}

// SectionUpserted replaces a section in place, or inserts it at Index
// (Index < 0 or past the end appends).
type SectionUpserted struct {
	Section remote.Section
	Index   int
}

// SectionRemoved deletes a section.
type SectionRemoved struct {
	ID string
}

// SectionsReordered sets the section order. IDs must be a permutation of the
// current ids.
type SectionsReordered struct {
	IDs []string
}

// InsightsSet replaces all insights.
type InsightsSet struct {
	Insights []remote.Insight
}

// InsightMerged upserts one insight.
type InsightMerged struct {
	Insight remote.Insight
}

// SessionSet installs a collaboration session, or clears it when nil.
type SessionSet struct {
	Session *remote.CollaborationSession
}

// PresenceUpdated replaces the participant set of the active session. It is
// ignored when no session is active.
type PresenceUpdated struct {
	Participants []string
}

// ExportJobUpserted adds a job or advances an existing one.
type ExportJobUpserted struct {
	Job remote.ExportJob
}

// PendingSet records an unconfirmed change under its key.
type PendingSet struct {
	Change PendingChange
}

// PendingCleared drops the entry under Key when it still belongs to write
// Seq. Seq zero clears unconditionally.
type PendingCleared struct {
	Key string
	Seq uint64
}

// InFlightChanged adjusts the count of writes awaiting the service.
type InFlightChanged struct {
	Delta int
}

// ErrorSet records a failure, or clears the last one when Err is nil.
type ErrorSet struct {
	Err *OpError
}

// ConnectivitySet records the network state.
type ConnectivitySet struct {
	Online bool
}

// Synced records a confirmed round trip.
type Synced struct {
	At time.Time
}

// AnalysisSet stores the latest analysis result.
type AnalysisSet struct {
	Result *remote.AnalysisResult
}

// ChatRecorded stores the result of the latest chat edit.
type ChatRecorded struct {
	Result remote.ChatEditResult
}

func (LoadStarted) action()       {}
func (ReportLoaded) action()      {}
func (ReportReplaced) action()    {}
func (ReportCleared) action()     {}
func (SectionUpserted) action()   {}
func (SectionRemoved) action()    {}
func (SectionsReordered) action() {}
func (InsightsSet) action()       {}
func (InsightMerged) action()     {}
func (SessionSet) action()        {}
func (PresenceUpdated) action()   {}
func (ExportJobUpserted) action() {}
func (PendingSet) action()        {}
func (PendingCleared) action()    {}
func (InFlightChanged) action()   {}
func (ErrorSet) action()          {}
func (ConnectivitySet) action()   {}
func (Synced) action()            {}
func (AnalysisSet) action()       {}
func (ChatRecorded) action()      {}

func (LoadStarted) Name() string       { return "load_started" }
func (ReportLoaded) Name() string      { return "report_loaded" }
func (ReportReplaced) Name() string    { return "report_replaced" }
func (ReportCleared) Name() string     { return "report_cleared" }
func (SectionUpserted) Name() string   { return "section_upserted" }
func (SectionRemoved) Name() string    { return "section_removed" }
func (SectionsReordered) Name() string { return "sections_reordered" }
func (InsightsSet) Name() string       { return "insights_set" }
func (InsightMerged) Name() string     { return "insight_merged" }
func (SessionSet) Name() string        { return "session_set" }
func (PresenceUpdated) Name() string   { return "presence_updated" }
func (ExportJobUpserted) Name() string { return "export_job_upserted" }
func (PendingSet) Name() string        { return "pending_set" }
func (PendingCleared) Name() string    { return "pending_cleared" }
func (InFlightChanged) Name() string   { return "in_flight_changed" }
func (ErrorSet) Name() string          { return "error_set" }
func (ConnectivitySet) Name() string   { return "connectivity_set" }
func (Synced) Name() string            { return "synced" }
func (AnalysisSet) Name() string       { return "analysis_set" }
func (ChatRecorded) Name() string      { return "chat_recorded" }
