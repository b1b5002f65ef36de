package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/five82/reportsync/internal/remote"
)

func TestCalculateBackoff(t *testing.T) {
	baseInterval := 2 * time.Second

	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"zero failures", 0, 2 * time.Second},
		{"negative failures", -1, 2 * time.Second},
		{"one failure", 1, 4 * time.Second},
		{"two failures", 2, 8 * time.Second},
		{"three failures", 3, 16 * time.Second},
		{"four failures capped", 4, 30 * time.Second}, // Would be 32s, capped to 30s
		{"many failures capped", 10, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateBackoff(tt.failures, baseInterval)
			if got != tt.want {
				t.Errorf("calculateBackoff(%d, %v) = %v, want %v", tt.failures, baseInterval, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff_MaxCap(t *testing.T) {
	baseInterval := 2 * time.Second
	for failures := 0; failures <= 20; failures++ {
		got := calculateBackoff(failures, baseInterval)
		if got > maxBackoff {
			t.Errorf("calculateBackoff(%d, %v) = %v, exceeds maxBackoff %v", failures, baseInterval, got, maxBackoff)
		}
	}
}

type fakeFeed struct {
	mu    sync.Mutex
	calls int
	// after this many calls Run blocks until ctx ends
	failFor int
	h       remote.FeedHandler
}

func (f *fakeFeed) Run(ctx context.Context, h remote.FeedHandler) error {
	f.mu.Lock()
	f.calls++
	f.h = h
	calls := f.calls
	f.mu.Unlock()
	if calls <= f.failFor {
		return errors.New("connection refused")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type nopHandler struct{}

func (nopHandler) OnPresence(string, []string)                      {}
func (nopHandler) OnExportStatus(string, remote.ExportStatusUpdate) {}

func TestStartFeed_ReconnectsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := &fakeFeed{failFor: 2}
	done := StartFeed(ctx, feed, nopHandler{}, time.Millisecond, nil)

	deadline := time.Now().Add(2 * time.Second)
	for feed.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("feed dialed %d times, want 3", feed.count())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed loop did not stop after cancel")
	}
	if got := feed.count(); got != 3 {
		t.Fatalf("feed dialed %d times after cancel, want 3", got)
	}
}

func TestStartFeed_StopsWhileBackingOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	feed := &fakeFeed{failFor: 100}
	done := StartFeed(ctx, feed, nopHandler{}, time.Hour, nil)

	deadline := time.Now().Add(2 * time.Second)
	for feed.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("feed never dialed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep ignored cancellation")
	}
}
