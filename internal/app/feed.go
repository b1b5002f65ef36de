package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
)

const (
	defaultFeedRetry = 2 * time.Second
	maxBackoff       = 30 * time.Second
)

// FeedRunner holds one feed connection open until it drops.
type FeedRunner interface {
	Run(ctx context.Context, h remote.FeedHandler) error
}

// StartFeed launches a background goroutine that keeps the report feed
// connected, backing off between failed connections. The returned channel
// closes once ctx is cancelled and the loop has exited.
func StartFeed(ctx context.Context, feed FeedRunner, h remote.FeedHandler, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	if interval <= 0 {
		interval = defaultFeedRetry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		failures := 0
		for {
			started := time.Now()
			err := feed.Run(ctx, h)
			if ctx.Err() != nil {
				return
			}
			// A connection that stayed up for a while earns a fresh backoff.
			if err == nil || time.Since(started) > maxBackoff {
				failures = 0
			} else {
				failures++
			}
			wait := calculateBackoff(failures, interval)
			logger.Warn("report feed disconnected",
				zap.Error(err),
				zap.Int("failures", failures),
				zap.Duration("retry_in", wait),
			)
			if retry.Sleep(ctx, wait) != nil {
				return
			}
		}
	}()
	return done
}

// calculateBackoff returns the reconnect delay after consecutive failures,
// doubling from interval up to maxBackoff.
func calculateBackoff(failures int, interval time.Duration) time.Duration {
	return retry.Backoff(failures, interval, maxBackoff)
}
