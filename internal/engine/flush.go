package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/five82/reportsync/internal/state"
)

// FlushPending replays every change queued while offline, in the order it
// was queued, and returns how many were sent. Concurrent calls share one
// run. Each replayed change settles like a live write: confirmed, rolled
// back with LastError set, or re-queued if connectivity drops again.
func (e *Engine) FlushPending(ctx context.Context) int {
	v, _, _ := e.flights.Do("flush", func() (any, error) {
		return e.flush(ctx), nil
	})
	n, _ := v.(int)
	return n
}

func (e *Engine) flush(ctx context.Context) int {
	snap := e.store.Snapshot()
	if !snap.IsOnline {
		return 0
	}
	var queued []state.PendingChange
	for _, p := range snap.Pending {
		if p.Offline {
			queued = append(queued, p)
		}
	}
	if len(queued) == 0 {
		return 0
	}
	e.logger.Info("replaying offline changes", zap.Int("count", len(queued)))

	bg, cancel := e.background(ctx)
	defer cancel()

	e.wg.Add(1)
	defer e.wg.Done()

	var g errgroup.Group
	g.SetLimit(e.flushConcurrency)
	for _, p := range queued {
		p := p
		g.Go(func() error {
			e.confirm(bg, p.Key, p.Seq)
			return nil
		})
	}
	_ = g.Wait()
	return len(queued)
}
