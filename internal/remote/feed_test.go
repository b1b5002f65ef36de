package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	presence [][]string
	exports  map[string]ExportStatusUpdate
	done     chan struct{}
}

func (h *recordingHandler) OnPresence(reportID string, participants []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, participants)
}

func (h *recordingHandler) OnExportStatus(jobID string, update ExportStatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exports == nil {
		h.exports = make(map[string]ExportStatusUpdate)
	}
	h.exports[jobID] = update
	close(h.done)
}

func TestNewFeed_DerivesWebsocketURL(t *testing.T) {
	base, err := url.Parse("https://reports.example.com")
	require.NoError(t, err)

	feed, err := NewFeed(base, "", "R 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://reports.example.com/api/reports/R%201/feed", feed.URL)

	feed, err = NewFeed(base, "ws://push.local:9000/v2", "R1")
	require.NoError(t, err)
	assert.Equal(t, "ws://push.local:9000/v2/api/reports/R1/feed", feed.URL)
}

func TestFeed_DispatchesPresenceAndExportFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/reports/R1/feed" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(FeedMessage{Type: "presence", ReportID: "R1", Participants: []string{"ana", "bo"}})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(FeedMessage{Type: "export", JobID: "job-1", Update: &ExportStatusUpdate{Status: ExportCompleted, ResultURL: "https://files/r1.pdf"}})
		// Hold the connection open until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	base, err := url.Parse(server.URL)
	require.NoError(t, err)
	feed, err := NewFeed(base, "", "R1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(feed.URL, "ws://"))

	h := &recordingHandler{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- feed.Run(ctx, h) }()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("export frame not delivered")
	}
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.presence, 1)
	assert.Equal(t, []string{"ana", "bo"}, h.presence[0])
	assert.Equal(t, ExportCompleted, h.exports["job-1"].Status)
	assert.Equal(t, "https://files/r1.pdf", h.exports["job-1"].ResultURL)
}

func TestFeed_DialFailureIsNetwork(t *testing.T) {
	feed := &Feed{URL: "ws://127.0.0.1:1/api/reports/R1/feed"}
	err := feed.Run(context.Background(), &recordingHandler{done: make(chan struct{})})
	assert.True(t, IsRetryable(err), "dial error %v should be retryable", err)
}

func TestContentClone_IsDeep(t *testing.T) {
	orig := Content{"text": "x", "meta": map[string]any{"tags": []any{"a"}}}
	dup := orig.Clone()
	dup["text"] = "y"
	dup["meta"].(map[string]any)["tags"].([]any)[0] = "b"

	assert.Equal(t, "x", orig["text"])
	assert.Equal(t, "a", orig["meta"].(map[string]any)["tags"].([]any)[0])
	assert.Nil(t, Content(nil).Clone())
}

func TestExportStatus_Terminal(t *testing.T) {
	for _, s := range []ExportStatus{ExportCompleted, ExportFailed, ExportCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []ExportStatus{ExportQueued, ExportProcessing} {
		assert.False(t, s.Terminal(), s)
	}
}
