package remote

import (
	"encoding/json"
	"time"
)

// ReportStatus is the review lifecycle of a report.
type ReportStatus string

const (
	StatusDraft    ReportStatus = "draft"
	StatusInReview ReportStatus = "in_review"
	StatusApproved ReportStatus = "approved"
	StatusLocked   ReportStatus = "locked"
)

// Content is a section's structured payload. The engine never interprets it.
type Content map[string]any

// Clone returns a deep copy of the payload.
func (c Content) Clone() Content {
	if c == nil {
		return nil
	}
	return cloneValue(c).(Content)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Content:
		dup := make(Content, len(t))
		for k, val := range t {
			dup[k] = cloneValue(val)
		}
		return dup
	case map[string]any:
		dup := make(map[string]any, len(t))
		for k, val := range t {
			dup[k] = cloneValue(val)
		}
		return dup
	case []any:
		dup := make([]any, len(t))
		for i, val := range t {
			dup[i] = cloneValue(val)
		}
		return dup
	default:
		return v
	}
}

// Report mirrors the payload returned by /api/reports/{id}.
type Report struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Status    ReportStatus       `json:"status"`
	Sections  []Section          `json:"sections"`
	Metadata  GenerationMetadata `json:"metadata"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// GenerationMetadata describes how a report was produced.
type GenerationMetadata struct {
	GeneratedAt time.Time `json:"generatedAt"`
	GeneratedBy string    `json:"generatedBy"`
	Model       string    `json:"model"`
	Sources     []string  `json:"sources"`
}

// Section is an independently editable unit of report content.
type Section struct {
	ID        string    `json:"id" validate:"required"`
	Title     string    `json:"title" validate:"max=200"`
	Content   Content   `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Clone returns a copy whose content can be mutated independently.
func (s Section) Clone() Section {
	s.Content = s.Content.Clone()
	return s
}

// InsightPriority ranks insights for review.
type InsightPriority string

const (
	PriorityLow      InsightPriority = "low"
	PriorityMedium   InsightPriority = "medium"
	PriorityHigh     InsightPriority = "high"
	PriorityCritical InsightPriority = "critical"
)

// Validation is the human review state of an insight.
type Validation string

const (
	Unvalidated Validation = "unvalidated"
	Valid       Validation = "valid"
	Invalid     Validation = "invalid"
)

// Insight is an AI generated finding attached to a report.
type Insight struct {
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Summary    string          `json:"summary"`
	Confidence float64         `json:"confidence"`
	Priority   InsightPriority `json:"priority"`
	Validation Validation      `json:"validation"`
	Feedback   string          `json:"feedback,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

// CollaborationSession marks a report as co-edited by a set of participants.
type CollaborationSession struct {
	ID           string    `json:"id"`
	ReportID     string    `json:"reportId"`
	Participants []string  `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
}

// Clone returns an independent copy.
func (s CollaborationSession) Clone() CollaborationSession {
	s.Participants = append([]string(nil), s.Participants...)
	return s
}

// ExportFormat is a supported export target.
type ExportFormat string

const (
	FormatPDF    ExportFormat = "pdf"
	FormatExcel  ExportFormat = "excel"
	FormatSlides ExportFormat = "slides"
	FormatWord   ExportFormat = "word"
)

// ExportStatus is the lifecycle of an export job.
type ExportStatus string

const (
	ExportQueued     ExportStatus = "queued"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
	ExportCancelled  ExportStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed || s == ExportCancelled
}

// ExportOptions tune a single export request.
type ExportOptions struct {
	IncludeInsights bool     `json:"includeInsights"`
	IncludeCharts   bool     `json:"includeCharts"`
	SectionIDs      []string `json:"sectionIds,omitempty"`
	Template        string   `json:"template,omitempty" validate:"max=64"`
}

// ExportJob tracks one export request. ID is assigned locally; RemoteID is
// the service's job identifier once acknowledged.
type ExportJob struct {
	ID        string        `json:"id"`
	RemoteID  string        `json:"remoteId,omitempty"`
	Format    ExportFormat  `json:"format"`
	Status    ExportStatus  `json:"status"`
	ResultURL string        `json:"resultUrl,omitempty"`
	Progress  *float64      `json:"progress,omitempty"`
	Error     string        `json:"error,omitempty"`
	Options   ExportOptions `json:"options"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Clone returns an independent copy.
func (j ExportJob) Clone() ExportJob {
	if j.Progress != nil {
		p := *j.Progress
		j.Progress = &p
	}
	j.Options.SectionIDs = append([]string(nil), j.Options.SectionIDs...)
	return j
}

// CreateReportRequest is the payload for creating a report.
type CreateReportRequest struct {
	Title      string   `json:"title" validate:"required,max=200"`
	ProjectID  string   `json:"projectId" validate:"required"`
	TemplateID string   `json:"templateId,omitempty"`
	SectionIDs []string `json:"sectionIds,omitempty"`
}

// ReportPatch updates report level fields. Nil fields are left unchanged.
type ReportPatch struct {
	ID     string        `json:"id" validate:"required"`
	Title  *string       `json:"title,omitempty" validate:"omitempty,max=200"`
	Status *ReportStatus `json:"status,omitempty" validate:"omitempty,oneof=draft in_review approved locked"`
}

// AnalysisParams configures a Monte Carlo run on the service.
type AnalysisParams struct {
	Iterations int            `json:"iterations" validate:"gte=1,lte=1000000"`
	Horizon    int            `json:"horizonDays" validate:"gte=1"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// AnalysisResult is the opaque outcome of RunAnalysis.
type AnalysisResult struct {
	ID          string             `json:"id"`
	CompletedAt time.Time          `json:"completedAt"`
	Summary     string             `json:"summary"`
	Percentiles map[string]float64 `json:"percentiles"`
	Raw         json.RawMessage    `json:"raw,omitempty"`
}

// ChatContext narrows a chat edit to part of the report.
type ChatContext struct {
	SectionIDs []string `json:"sectionIds,omitempty"`
	Selection  string   `json:"selection,omitempty"`
}

// AppliedChange is a section rewrite proposed by a chat edit.
type AppliedChange struct {
	SectionID string  `json:"sectionId"`
	Content   Content `json:"content"`
}

// ChatEditResult is the terminal payload of a chat edit.
type ChatEditResult struct {
	Response       string          `json:"response"`
	AppliedChanges []AppliedChange `json:"appliedChanges"`
}

// ChatChunk is one frame of a streamed chat edit. Exactly one frame, the
// last, carries Result.
type ChatChunk struct {
	Delta  string          `json:"delta,omitempty"`
	Result *ChatEditResult `json:"result,omitempty"`
}

// ExportStatusUpdate is a push or poll update for one job.
type ExportStatusUpdate struct {
	Status    ExportStatus `json:"status"`
	Progress  *float64     `json:"progress,omitempty"`
	ResultURL string       `json:"resultUrl,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type createReportResponse struct {
	ID string `json:"id"`
}

type exportResponse struct {
	JobID string `json:"jobId"`
}

type insightsResponse struct {
	Items []Insight `json:"items"`
}
