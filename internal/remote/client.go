package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service is the report service as seen by the sync engine.
// *Client implements it over HTTP; tests substitute stubs.
type Service interface {
	Ping(ctx context.Context) error

	LoadReport(ctx context.Context, reportID string) (*Report, error)
	CreateReport(ctx context.Context, req CreateReportRequest) (string, error)
	UpdateReport(ctx context.Context, patch ReportPatch) (*Report, error)
	DeleteReport(ctx context.Context, reportID string) error

	UpdateSection(ctx context.Context, reportID, sectionID string, content Content) (*Section, error)
	AddSection(ctx context.Context, reportID string, section Section, index int) (*Section, error)
	RemoveSection(ctx context.Context, reportID, sectionID string) error
	ReorderSections(ctx context.Context, reportID string, orderedIDs []string) error

	GenerateInsights(ctx context.Context, reportID string, categories ...string) ([]Insight, error)
	ValidateInsight(ctx context.Context, reportID, insightID string, valid bool, notes string) error
	SubmitInsightFeedback(ctx context.Context, reportID, insightID, tag string) error
	RunAnalysis(ctx context.Context, reportID string, params AnalysisParams) (*AnalysisResult, error)
	SendChatEdit(ctx context.Context, reportID, message string, chat ChatContext) (ChatStream, error)

	ExportReport(ctx context.Context, reportID string, format ExportFormat, opts ExportOptions) (string, error)
	GetExportStatus(ctx context.Context, jobID string) (*ExportStatusUpdate, error)
	CancelExport(ctx context.Context, jobID string) error

	StartCollaboration(ctx context.Context, reportID string, participantIDs []string) (*CollaborationSession, error)
	EndCollaboration(ctx context.Context, reportID string) error
}

// ChatStream yields chat edit frames until io.EOF. It cannot be restarted.
type ChatStream interface {
	Next() (ChatChunk, error)
	Close() error
}

// Ensure Client implements Service at compile time.
var _ Service = (*Client)(nil)

// Client talks to the report service HTTP API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	userID    string
	validate  *validator.Validate
	insights  *cache.Cache
	tracer    trace.Tracer
}

// ClientOptions tune a Client. Zero values use defaults.
type ClientOptions struct {
	UserID     string
	Timeout    time.Duration
	InsightTTL time.Duration
	HTTPClient *http.Client
}

const (
	defaultAPIURL     = "http://127.0.0.1:8420"
	defaultUserAgent  = "reportsync/0.1"
	requestTimeout    = 15 * time.Second
	defaultInsightTTL = 10 * time.Minute
	tracerName        = "github.com/five82/reportsync/internal/remote"
)

var validFormats = map[ExportFormat]bool{
	FormatPDF: true, FormatExcel: true, FormatSlides: true, FormatWord: true,
}

// NewClient builds a Client for the service rooted at apiURL.
func NewClient(apiURL string, opts ClientOptions) (*Client, error) {
	base, err := parseBaseURL(apiURL)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = requestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	ttl := opts.InsightTTL
	if ttl <= 0 {
		ttl = defaultInsightTTL
	}
	return &Client{
		baseURL:   base,
		http:      httpClient,
		userAgent: defaultUserAgent,
		userID:    strings.TrimSpace(opts.UserID),
		validate:  validator.New(),
		insights:  cache.New(ttl, 2*ttl),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// BaseURL returns the resolved service root.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Ping checks that the service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/api/health", nil, nil)
}

// LoadReport fetches a report with all of its sections.
func (c *Client) LoadReport(ctx context.Context, reportID string) (*Report, error) {
	const op = "load report"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	var payload Report
	if err := c.do(ctx, op, http.MethodGet, reportPath(reportID), nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// CreateReport creates a report and returns its identifier.
func (c *Client) CreateReport(ctx context.Context, req CreateReportRequest) (string, error) {
	const op = "create report"
	if err := c.check(op, req); err != nil {
		return "", err
	}
	var payload createReportResponse
	if err := c.do(ctx, op, http.MethodPost, "/api/reports", req, &payload); err != nil {
		return "", err
	}
	return payload.ID, nil
}

// UpdateReport applies a report level patch.
func (c *Client) UpdateReport(ctx context.Context, patch ReportPatch) (*Report, error) {
	const op = "update report"
	if err := c.check(op, patch); err != nil {
		return nil, err
	}
	var payload Report
	if err := c.do(ctx, op, http.MethodPatch, reportPath(patch.ID), patch, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// DeleteReport removes a report.
func (c *Client) DeleteReport(ctx context.Context, reportID string) error {
	const op = "delete report"
	if err := requireID(op, "report id", reportID); err != nil {
		return err
	}
	c.forgetInsights(reportID)
	return c.do(ctx, op, http.MethodDelete, reportPath(reportID), nil, nil)
}

// UpdateSection replaces a section's content.
func (c *Client) UpdateSection(ctx context.Context, reportID, sectionID string, content Content) (*Section, error) {
	const op = "update section"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	if err := requireID(op, "section id", sectionID); err != nil {
		return nil, err
	}
	body := map[string]any{"content": content}
	var payload Section
	if err := c.do(ctx, op, http.MethodPut, sectionPath(reportID, sectionID), body, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// AddSection inserts a section at index.
func (c *Client) AddSection(ctx context.Context, reportID string, section Section, index int) (*Section, error) {
	const op = "add section"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	if err := c.check(op, section); err != nil {
		return nil, err
	}
	body := map[string]any{"section": section, "index": index}
	var payload Section
	if err := c.do(ctx, op, http.MethodPost, reportPath(reportID)+"/sections", body, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// RemoveSection deletes a section.
func (c *Client) RemoveSection(ctx context.Context, reportID, sectionID string) error {
	const op = "remove section"
	if err := requireID(op, "section id", sectionID); err != nil {
		return err
	}
	return c.do(ctx, op, http.MethodDelete, sectionPath(reportID, sectionID), nil, nil)
}

// ReorderSections sets the full section order.
func (c *Client) ReorderSections(ctx context.Context, reportID string, orderedIDs []string) error {
	const op = "reorder sections"
	if err := requireID(op, "report id", reportID); err != nil {
		return err
	}
	body := map[string]any{"order": orderedIDs}
	return c.do(ctx, op, http.MethodPut, reportPath(reportID)+"/sections/order", body, nil)
}

// GenerateInsights asks the service for AI insights. Results are cached per
// report and category set until the TTL lapses or an insight is reviewed.
func (c *Client) GenerateInsights(ctx context.Context, reportID string, categories ...string) ([]Insight, error) {
	const op = "generate insights"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	key := insightKey(reportID, categories)
	if cached, ok := c.insights.Get(key); ok {
		return cloneInsights(cached.([]Insight)), nil
	}
	body := map[string]any{"categories": categories}
	var payload insightsResponse
	if err := c.do(ctx, op, http.MethodPost, reportPath(reportID)+"/insights", body, &payload); err != nil {
		return nil, err
	}
	c.insights.Set(key, cloneInsights(payload.Items), cache.DefaultExpiration)
	return payload.Items, nil
}

// ValidateInsight records a human verdict on an insight.
func (c *Client) ValidateInsight(ctx context.Context, reportID, insightID string, valid bool, notes string) error {
	const op = "validate insight"
	if err := requireID(op, "insight id", insightID); err != nil {
		return err
	}
	c.forgetInsights(reportID)
	body := map[string]any{"valid": valid, "notes": notes}
	return c.do(ctx, op, http.MethodPost, insightPath(reportID, insightID)+"/validation", body, nil)
}

// SubmitInsightFeedback attaches a feedback tag to an insight.
func (c *Client) SubmitInsightFeedback(ctx context.Context, reportID, insightID, tag string) error {
	const op = "insight feedback"
	if err := requireID(op, "insight id", insightID); err != nil {
		return err
	}
	c.forgetInsights(reportID)
	body := map[string]any{"tag": tag}
	return c.do(ctx, op, http.MethodPost, insightPath(reportID, insightID)+"/feedback", body, nil)
}

// RunAnalysis executes a Monte Carlo analysis remotely.
func (c *Client) RunAnalysis(ctx context.Context, reportID string, params AnalysisParams) (*AnalysisResult, error) {
	const op = "run analysis"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	if err := c.check(op, params); err != nil {
		return nil, err
	}
	var payload AnalysisResult
	if err := c.do(ctx, op, http.MethodPost, reportPath(reportID)+"/analysis", params, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SendChatEdit posts a chat instruction and streams the newline delimited
// JSON response frames.
func (c *Client) SendChatEdit(ctx context.Context, reportID, message string, chat ChatContext) (ChatStream, error) {
	const op = "chat edit"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, ValidationError(op, "message required")
	}
	body := map[string]any{"message": message, "context": chat}
	ctx, span := c.startSpan(ctx, op, http.MethodPost)
	resp, err := c.send(ctx, op, http.MethodPost, reportPath(reportID)+"/chat", body, "application/x-ndjson")
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	endSpan(span, nil)
	return &ndjsonStream{body: resp.Body, scanner: newLineScanner(resp.Body)}, nil
}

// ExportReport requests an export and returns the service job id.
func (c *Client) ExportReport(ctx context.Context, reportID string, format ExportFormat, opts ExportOptions) (string, error) {
	const op = "export report"
	if err := requireID(op, "report id", reportID); err != nil {
		return "", err
	}
	if !validFormats[format] {
		return "", ValidationError(op, "unsupported format %q", format)
	}
	if err := c.check(op, opts); err != nil {
		return "", err
	}
	body := map[string]any{"format": format, "options": opts}
	var payload exportResponse
	if err := c.do(ctx, op, http.MethodPost, reportPath(reportID)+"/exports", body, &payload); err != nil {
		return "", err
	}
	if payload.JobID == "" {
		return "", NewError(KindUnknown, op, errors.New("service returned empty job id"))
	}
	return payload.JobID, nil
}

// GetExportStatus fetches the current state of an export job.
func (c *Client) GetExportStatus(ctx context.Context, jobID string) (*ExportStatusUpdate, error) {
	const op = "export status"
	if err := requireID(op, "job id", jobID); err != nil {
		return nil, err
	}
	var payload ExportStatusUpdate
	if err := c.do(ctx, op, http.MethodGet, exportPath(jobID), nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// CancelExport asks the service to stop an export job.
func (c *Client) CancelExport(ctx context.Context, jobID string) error {
	const op = "cancel export"
	if err := requireID(op, "job id", jobID); err != nil {
		return err
	}
	return c.do(ctx, op, http.MethodPost, exportPath(jobID)+"/cancel", nil, nil)
}

// StartCollaboration opens a co-editing session for the report.
func (c *Client) StartCollaboration(ctx context.Context, reportID string, participantIDs []string) (*CollaborationSession, error) {
	const op = "start collaboration"
	if err := requireID(op, "report id", reportID); err != nil {
		return nil, err
	}
	body := map[string]any{"participants": participantIDs}
	var payload CollaborationSession
	if err := c.do(ctx, op, http.MethodPost, reportPath(reportID)+"/collaboration", body, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// EndCollaboration closes the report's co-editing session.
func (c *Client) EndCollaboration(ctx context.Context, reportID string) error {
	const op = "end collaboration"
	if err := requireID(op, "report id", reportID); err != nil {
		return err
	}
	return c.do(ctx, op, http.MethodDelete, reportPath(reportID)+"/collaboration", nil, nil)
}

func (c *Client) check(op string, v any) error {
	if err := c.validate.Struct(v); err != nil {
		return NewError(KindValidation, op, err)
	}
	return nil
}

func (c *Client) forgetInsights(reportID string) {
	prefix := reportID + "|"
	for key := range c.insights.Items() {
		if strings.HasPrefix(key, prefix) {
			c.insights.Delete(key)
		}
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, dest any) (err error) {
	ctx, span := c.startSpan(ctx, op, method)
	defer func() { endSpan(span, err) }()

	resp, err := c.send(ctx, op, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if dest == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return NewError(KindUnknown, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// send executes a request and returns the response when the status is below
// 400. The caller owns the response body.
func (c *Client) send(ctx context.Context, op, method, path string, body any, accept string) (*http.Response, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return nil, NewError(KindValidation, op, fmt.Errorf("parse path: %w", err))
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, NewError(KindValidation, op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	reqURL := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, NewError(KindValidation, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, NewError(KindUnknown, op, fmt.Errorf("execute request: %w", err))
		}
		return nil, NetworkError(op, fmt.Errorf("execute request: %w", err))
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(op, rel, resp)
	}
	return resp, nil
}

type errorBody struct {
	Error  string  `json:"error"`
	Report *Report `json:"report,omitempty"`
}

func statusError(op string, rel *url.URL, resp *http.Response) error {
	var payload errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &payload)

	msg := fmt.Sprintf("api %s returned status %d", rel.Path, resp.StatusCode)
	if payload.Error != "" {
		msg += ": " + payload.Error
	}
	re := &Error{
		Kind:   kindForStatus(resp.StatusCode),
		Op:     op,
		Status: resp.StatusCode,
		Err:    errors.New(msg),
	}
	if re.Kind == KindConflict {
		re.Remote = payload.Report
	}
	return re
}

func (c *Client) startSpan(ctx context.Context, op, method string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "remote."+strings.ReplaceAll(op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("reportsync.op", op),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("reportsync.error_kind", KindOf(err).String()))
	}
	span.End()
}

type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func (s *ndjsonStream) Next() (ChatChunk, error) {
	if s.done {
		return ChatChunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.done = true
			return ChatChunk{}, NewError(KindUnknown, "chat edit", fmt.Errorf("decode frame: %w", err))
		}
		if chunk.Result != nil {
			s.done = true
		}
		return chunk, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return ChatChunk{}, NetworkError("chat edit", fmt.Errorf("read stream: %w", err))
	}
	return ChatChunk{}, io.EOF
}

func (s *ndjsonStream) Close() error {
	s.done = true
	return s.body.Close()
}

func requireID(op, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return ValidationError(op, "%s required", name)
	}
	return nil
}

func reportPath(reportID string) string {
	return "/api/reports/" + url.PathEscape(reportID)
}

func sectionPath(reportID, sectionID string) string {
	return reportPath(reportID) + "/sections/" + url.PathEscape(sectionID)
}

func insightPath(reportID, insightID string) string {
	return reportPath(reportID) + "/insights/" + url.PathEscape(insightID)
}

func exportPath(jobID string) string {
	return "/api/exports/" + url.PathEscape(jobID)
}

func insightKey(reportID string, categories []string) string {
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)
	return reportID + "|" + strings.Join(sorted, ",")
}

func cloneInsights(items []Insight) []Insight {
	if len(items) == 0 {
		return nil
	}
	dup := make([]Insight, len(items))
	copy(dup, items)
	return dup
}

func parseBaseURL(apiURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(apiURL)
	if trimmed == "" {
		trimmed = defaultAPIURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse api_url %q: %w", apiURL, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
