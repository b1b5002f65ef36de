package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseBaseURL_DefaultsAndNormalizes(t *testing.T) {
	u, err := parseBaseURL("")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Scheme != "http" || u.Host != "127.0.0.1:8420" {
		t.Fatalf("default url = %q, want http://127.0.0.1:8420", u.String())
	}

	u, err = parseBaseURL("example.com:1234/path?x=1#frag")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Scheme != "http" || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		t.Fatalf("url not normalized: %q", u.String())
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := NewClient(server.URL, ClientOptions{UserID: "ana"})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_LoadAndUpdateSection(t *testing.T) {
	t.Parallel()

	var gotUser, gotUserAgent string
	var gotContent map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-ID")
		gotUserAgent = r.Header.Get("User-Agent")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/reports/R1":
			_ = json.NewEncoder(w).Encode(Report{
				ID:       "R1",
				Status:   StatusDraft,
				Sections: []Section{{ID: "A"}, {ID: "B"}},
			})
		case r.Method == http.MethodPut && r.URL.Path == "/api/reports/R1/sections/A":
			var body struct {
				Content map[string]any `json:"content"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotContent = body.Content
			_ = json.NewEncoder(w).Encode(Section{ID: "A", Content: body.Content, UpdatedBy: "ana"})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := testContext(t)

	report, err := c.LoadReport(ctx, "R1")
	if err != nil {
		t.Fatalf("LoadReport returned error: %v", err)
	}
	if report.ID != "R1" || len(report.Sections) != 2 {
		t.Fatalf("LoadReport payload = %#v, want R1 with 2 sections", report)
	}

	section, err := c.UpdateSection(ctx, "R1", "A", Content{"text": "x"})
	if err != nil {
		t.Fatalf("UpdateSection returned error: %v", err)
	}
	if section.Content["text"] != "x" || gotContent["text"] != "x" {
		t.Fatalf("UpdateSection content = %#v (sent %#v), want text=x", section.Content, gotContent)
	}
	if gotUser != "ana" {
		t.Fatalf("X-User-ID = %q, want ana", gotUser)
	}
	if gotUserAgent != defaultUserAgent {
		t.Fatalf("User-Agent = %q, want %q", gotUserAgent, defaultUserAgent)
	}
}

func TestClient_ClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnauthorized, KindAuthorization},
		{http.StatusForbidden, KindAuthorization},
		{http.StatusConflict, KindConflict},
		{http.StatusServiceUnavailable, KindNetwork},
		{http.StatusTooManyRequests, KindNetwork},
		{http.StatusInternalServerError, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.LoadReport(testContext(t), "R1")
			if err == nil {
				t.Fatalf("LoadReport returned nil error for status %d", tc.status)
			}
			if got := KindOf(err); got != tc.want {
				t.Fatalf("KindOf = %v, want %v (err %v)", got, tc.want, err)
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Fatalf("error %q should carry the service message", err.Error())
			}
		})
	}
}

func TestClient_ConflictAttachesRemoteReport(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorBody{
			Error:  "section deleted",
			Report: &Report{ID: "R1", Sections: []Section{{ID: "B"}}},
		})
	})

	_, err := c.UpdateSection(testContext(t), "R1", "A", Content{"text": "x"})
	remoteReport, ok := ConflictState(err)
	if !ok {
		t.Fatalf("ConflictState(%v) = false, want attached report", err)
	}
	if len(remoteReport.Sections) != 1 || remoteReport.Sections[0].ID != "B" {
		t.Fatalf("remote report = %#v, want single section B", remoteReport)
	}
}

func TestClient_TransportFailureIsNetwork(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	c, err := NewClient(addr, ClientOptions{Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	err = c.Ping(testContext(t))
	if !IsRetryable(err) {
		t.Fatalf("Ping error %v should be retryable", err)
	}
}

func TestClient_ValidatesBeforeSending(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	ctx := testContext(t)

	if _, err := c.CreateReport(ctx, CreateReportRequest{}); KindOf(err) != KindValidation {
		t.Fatalf("CreateReport(empty) error = %v, want validation", err)
	}
	if _, err := c.ExportReport(ctx, "R1", ExportFormat("png"), ExportOptions{}); KindOf(err) != KindValidation {
		t.Fatalf("ExportReport(png) error = %v, want validation", err)
	}
	if _, err := c.AddSection(ctx, "R1", Section{}, 0); KindOf(err) != KindValidation {
		t.Fatalf("AddSection(no id) error = %v, want validation", err)
	}
	bad := ReportStatus("archived")
	if _, err := c.UpdateReport(ctx, ReportPatch{ID: "R1", Status: &bad}); KindOf(err) != KindValidation {
		t.Fatalf("UpdateReport(archived) error = %v, want validation", err)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("server saw %d requests, want 0", n)
	}
}

func TestClient_GenerateInsightsCachesUntilReviewed(t *testing.T) {
	t.Parallel()

	var generated atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/insights"):
			generated.Add(1)
			_ = json.NewEncoder(w).Encode(insightsResponse{Items: []Insight{{ID: "i1", Confidence: 0.8}}})
		case strings.HasSuffix(r.URL.Path, "/validation"):
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		items, err := c.GenerateInsights(ctx, "R1", "risk", "budget")
		if err != nil {
			t.Fatalf("GenerateInsights returned error: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("GenerateInsights returned %d items, want 1", len(items))
		}
	}
	if _, err := c.GenerateInsights(ctx, "R1", "budget", "risk"); err != nil {
		t.Fatalf("GenerateInsights returned error: %v", err)
	}
	if n := generated.Load(); n != 1 {
		t.Fatalf("service generated %d times, want 1 (cached)", n)
	}

	if err := c.ValidateInsight(ctx, "R1", "i1", true, ""); err != nil {
		t.Fatalf("ValidateInsight returned error: %v", err)
	}
	if _, err := c.GenerateInsights(ctx, "R1", "risk", "budget"); err != nil {
		t.Fatalf("GenerateInsights returned error: %v", err)
	}
	if n := generated.Load(); n != 2 {
		t.Fatalf("service generated %d times, want 2 after review", n)
	}
}

func TestClient_SendChatEditStreamsFrames(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"delta":"Rewriting "}` + "\n"))
		_, _ = w.Write([]byte(`{"delta":"summary"}` + "\n\n"))
		_, _ = w.Write([]byte(`{"result":{"response":"done","appliedChanges":[{"sectionId":"A","content":{"text":"y"}}]}}` + "\n"))
	})

	stream, err := c.SendChatEdit(testContext(t), "R1", "tighten the summary", ChatContext{})
	if err != nil {
		t.Fatalf("SendChatEdit returned error: %v", err)
	}
	defer stream.Close()

	var deltas []string
	var result *ChatEditResult
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if chunk.Result != nil {
			result = chunk.Result
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}
	if strings.Join(deltas, "") != "Rewriting summary" {
		t.Fatalf("deltas = %q, want %q", deltas, "Rewriting summary")
	}
	if result == nil || len(result.AppliedChanges) != 1 || result.AppliedChanges[0].SectionID != "A" {
		t.Fatalf("result = %#v, want one change to A", result)
	}
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after result = %v, want io.EOF", err)
	}
}

func TestClient_ExportLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	var cancelled atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/reports/R1/exports":
			_ = json.NewEncoder(w).Encode(exportResponse{JobID: "job-9"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/exports/job-9":
			p := 0.5
			_ = json.NewEncoder(w).Encode(ExportStatusUpdate{Status: ExportProcessing, Progress: &p})
		case r.Method == http.MethodPost && r.URL.Path == "/api/exports/job-9/cancel":
			cancelled.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := testContext(t)

	jobID, err := c.ExportReport(ctx, "R1", FormatPDF, ExportOptions{IncludeCharts: true})
	if err != nil || jobID != "job-9" {
		t.Fatalf("ExportReport = %q, %v; want job-9", jobID, err)
	}
	status, err := c.GetExportStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetExportStatus returned error: %v", err)
	}
	if status.Status != ExportProcessing || status.Progress == nil || *status.Progress != 0.5 {
		t.Fatalf("GetExportStatus = %#v, want processing at 0.5", status)
	}
	if err := c.CancelExport(ctx, jobID); err != nil {
		t.Fatalf("CancelExport returned error: %v", err)
	}
	if !cancelled.Load() {
		t.Fatal("cancel endpoint was not called")
	}
}
