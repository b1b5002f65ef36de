package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

var errDown = errors.New("connection refused")

func networkErr(op string) error { return remote.NetworkError(op, errDown) }

// stubService is a scriptable remote.Service. Hooks left nil succeed.
type stubService struct {
	mu    sync.Mutex
	calls map[string]int

	report remote.Report

	updateSection   func(attempt int, sectionID string, content remote.Content) error
	addSection      func(attempt int, section remote.Section) error
	removeSection   func(attempt int, sectionID string) error
	reorderSections func(attempt int, ids []string) error

	insights    []remote.Insight
	validateErr error

	startErr error
	endErr   error

	exportGate   chan struct{}
	exportErr    error
	exportStatus func(jobID string) (*remote.ExportStatusUpdate, error)
	cancelled    []string

	chat []remote.ChatChunk

	sent []remote.Content
}

func newStub() *stubService {
	return &stubService{
		calls: make(map[string]int),
		report: remote.Report{
			ID:     "R1",
			Title:  "Q3 status",
			Status: remote.StatusDraft,
			Sections: []remote.Section{
				{ID: "A", Title: "Summary", Content: remote.Content{"text": "a0"}},
				{ID: "B", Title: "Risks", Content: remote.Content{"text": "b0"}},
			},
		},
	}
}

func (s *stubService) record(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	return s.calls[name]
}

func (s *stubService) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubService) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubService) Ping(context.Context) error { return nil }

func (s *stubService) LoadReport(_ context.Context, reportID string) (*remote.Report, error) {
	s.record("LoadReport")
	s.mu.Lock()
	defer s.mu.Unlock()
	if reportID != s.report.ID {
		return nil, remote.NewError(remote.KindValidation, "load report", errors.New("not found"))
	}
	r := s.report
	r.Sections = make([]remote.Section, len(s.report.Sections))
	for i, sec := range s.report.Sections {
		r.Sections[i] = sec.Clone()
	}
	return &r, nil
}

func (s *stubService) CreateReport(_ context.Context, req remote.CreateReportRequest) (string, error) {
	s.record("CreateReport")
	return "R-new", nil
}

func (s *stubService) UpdateReport(_ context.Context, patch remote.ReportPatch) (*remote.Report, error) {
	s.record("UpdateReport")
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report
	if patch.Title != nil {
		r.Title = *patch.Title
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	return &r, nil
}

func (s *stubService) DeleteReport(context.Context, string) error {
	s.record("DeleteReport")
	return nil
}

func (s *stubService) UpdateSection(_ context.Context, _ string, sectionID string, content remote.Content) (*remote.Section, error) {
	attempt := s.record("UpdateSection")
	s.mu.Lock()
	s.sent = append(s.sent, content.Clone())
	hook := s.updateSection
	s.mu.Unlock()
	if hook != nil {
		if err := hook(attempt, sectionID, content); err != nil {
			return nil, err
		}
	}
	return &remote.Section{ID: sectionID, Content: content.Clone(), UpdatedBy: "server"}, nil
}

func (s *stubService) AddSection(_ context.Context, _ string, section remote.Section, _ int) (*remote.Section, error) {
	attempt := s.record("AddSection")
	s.mu.Lock()
	s.sent = append(s.sent, section.Content.Clone())
	s.mu.Unlock()
	if s.addSection != nil {
		if err := s.addSection(attempt, section); err != nil {
			return nil, err
		}
	}
	sec := section.Clone()
	return &sec, nil
}

func (s *stubService) RemoveSection(_ context.Context, _ string, sectionID string) error {
	attempt := s.record("RemoveSection")
	if s.removeSection != nil {
		return s.removeSection(attempt, sectionID)
	}
	return nil
}

func (s *stubService) ReorderSections(_ context.Context, _ string, ids []string) error {
	attempt := s.record("ReorderSections")
	if s.reorderSections != nil {
		return s.reorderSections(attempt, ids)
	}
	return nil
}

func (s *stubService) GenerateInsights(context.Context, string, ...string) ([]remote.Insight, error) {
	s.record("GenerateInsights")
	return append([]remote.Insight(nil), s.insights...), nil
}

func (s *stubService) ValidateInsight(context.Context, string, string, bool, string) error {
	s.record("ValidateInsight")
	return s.validateErr
}

func (s *stubService) SubmitInsightFeedback(context.Context, string, string, string) error {
	s.record("SubmitInsightFeedback")
	return nil
}

func (s *stubService) RunAnalysis(_ context.Context, _ string, params remote.AnalysisParams) (*remote.AnalysisResult, error) {
	s.record("RunAnalysis")
	return &remote.AnalysisResult{ID: "AN1", Summary: "p90 within budget"}, nil
}

func (s *stubService) SendChatEdit(context.Context, string, string, remote.ChatContext) (remote.ChatStream, error) {
	s.record("SendChatEdit")
	return &stubChat{chunks: append([]remote.ChatChunk(nil), s.chat...)}, nil
}

func (s *stubService) ExportReport(ctx context.Context, _ string, _ remote.ExportFormat, _ remote.ExportOptions) (string, error) {
	n := s.record("ExportReport")
	if s.exportGate != nil {
		select {
		case <-s.exportGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.exportErr != nil {
		return "", s.exportErr
	}
	return "job-" + string(rune('0'+n)), nil
}

func (s *stubService) GetExportStatus(_ context.Context, jobID string) (*remote.ExportStatusUpdate, error) {
	s.record("GetExportStatus")
	if s.exportStatus != nil {
		return s.exportStatus(jobID)
	}
	return &remote.ExportStatusUpdate{Status: remote.ExportProcessing}, nil
}

func (s *stubService) CancelExport(_ context.Context, jobID string) error {
	s.record("CancelExport")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

func (s *stubService) StartCollaboration(_ context.Context, reportID string, participants []string) (*remote.CollaborationSession, error) {
	n := s.record("StartCollaboration")
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &remote.CollaborationSession{
		ID:           "S" + string(rune('0'+n)),
		ReportID:     reportID,
		Participants: append([]string(nil), participants...),
	}, nil
}

func (s *stubService) EndCollaboration(context.Context, string) error {
	s.record("EndCollaboration")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

type stubChat struct {
	chunks []remote.ChatChunk
	closed bool
}

func (c *stubChat) Next() (remote.ChatChunk, error) {
	if c.closed || len(c.chunks) == 0 {
		return remote.ChatChunk{}, io.EOF
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk, nil
}

func (c *stubChat) Close() error {
	c.closed = true
	return nil
}

// sleeps records retry waits without sleeping.
type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleeps) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newEngine(t *testing.T, svc remote.Service, configure ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Retry:      retry.Controller{Sleep: func(context.Context, time.Duration) error { return nil }},
		ExportPoll: -1,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	e, err := New(svc, opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func loadedEngine(t *testing.T, svc *stubService, configure ...func(*Options)) *Engine {
	t.Helper()
	e := newEngine(t, svc, configure...)
	require.NoError(t, e.LoadReport(context.Background(), svc.report.ID))
	return e
}

func sectionText(t *testing.T, s state.EngineState, id string) any {
	t.Helper()
	sec, ok := s.Section(id)
	require.True(t, ok, "section %s missing", id)
	return sec.Content["text"]
}
