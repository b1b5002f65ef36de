package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedPongWait       = 60 * time.Second
	feedMaxMessageSize = 64 * 1024
)

// FeedHandler receives pushes from the report feed.
type FeedHandler interface {
	OnPresence(reportID string, participants []string)
	OnExportStatus(remoteJobID string, update ExportStatusUpdate)
}

// FeedMessage is one frame on the report feed.
type FeedMessage struct {
	Type         string              `json:"type"`
	ReportID     string              `json:"reportId,omitempty"`
	Participants []string            `json:"participants,omitempty"`
	JobID        string              `json:"jobId,omitempty"`
	Update       *ExportStatusUpdate `json:"update,omitempty"`
}

// Feed is a websocket subscription to presence and export pushes for one report.
type Feed struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

// NewFeed derives the feed endpoint for reportID from the service root.
// An explicit feedURL overrides the derived base.
func NewFeed(base *url.URL, feedURL, reportID string) (*Feed, error) {
	var root *url.URL
	if strings.TrimSpace(feedURL) != "" {
		u, err := url.Parse(strings.TrimSpace(feedURL))
		if err != nil {
			return nil, fmt.Errorf("parse feed_url %q: %w", feedURL, err)
		}
		root = u
	} else {
		if base == nil {
			return nil, fmt.Errorf("feed requires a service url")
		}
		u := *base
		root = &u
	}
	switch root.Scheme {
	case "http":
		root.Scheme = "ws"
	case "https":
		root.Scheme = "wss"
	}
	joined, err := url.Parse(strings.TrimRight(root.EscapedPath(), "/") + reportPath(reportID) + "/feed")
	if err != nil {
		return nil, fmt.Errorf("build feed url: %w", err)
	}
	root.Path = joined.Path
	root.RawPath = joined.RawPath
	return &Feed{URL: root.String(), Dialer: websocket.DefaultDialer}, nil
}

// Run connects and dispatches frames to h until ctx ends or the connection
// drops. Reconnection is left to the caller.
func (f *Feed) Run(ctx context.Context, h FeedHandler) error {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, f.URL, f.Header)
	if err != nil {
		return NetworkError("feed", fmt.Errorf("dial %s: %w", f.URL, err))
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	conn.SetReadLimit(feedMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return NetworkError("feed", fmt.Errorf("read: %w", err))
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))

		var msg FeedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		dispatchFeed(msg, h)
	}
}

func dispatchFeed(msg FeedMessage, h FeedHandler) {
	switch msg.Type {
	case "presence":
		h.OnPresence(msg.ReportID, msg.Participants)
	case "export":
		if msg.JobID != "" && msg.Update != nil {
			h.OnExportStatus(msg.JobID, *msg.Update)
		}
	}
}
