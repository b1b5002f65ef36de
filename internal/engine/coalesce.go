package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
)

// SectionUpdater is the write a Coalescer feeds. *Engine implements it.
type SectionUpdater interface {
	UpdateSection(ctx context.Context, sectionID string, content remote.Content) error
}

const defaultCoalesceWindow = 500 * time.Millisecond

// Coalescer debounces rapid edits: each section's latest content is
// forwarded once no newer edit for it has arrived within the window.
type Coalescer struct {
	target SectionUpdater
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]remote.Content
	timers  map[string]*time.Timer
	stopped bool
}

// NewCoalescer returns a Coalescer writing to target. A non-positive window
// uses 500ms.
func NewCoalescer(target SectionUpdater, window time.Duration, logger *zap.Logger) *Coalescer {
	if window <= 0 {
		window = defaultCoalesceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		target:  target,
		window:  window,
		logger:  logger,
		pending: make(map[string]remote.Content),
		timers:  make(map[string]*time.Timer),
	}
}

// Submit records content for sectionID and restarts its window.
func (c *Coalescer) Submit(sectionID string, content remote.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.pending[sectionID] = content.Clone()
	if t, ok := c.timers[sectionID]; ok {
		t.Stop()
	}
	c.timers[sectionID] = time.AfterFunc(c.window, func() { c.fire(sectionID) })
}

// Pending reports how many sections have edits waiting for their window.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush forwards every waiting edit now and returns the first error.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]remote.Content)
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	var first error
	for id, content := range batch {
		if err := c.forward(ctx, id, content); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stop discards waiting edits and rejects new ones.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.pending = make(map[string]remote.Content)
}

func (c *Coalescer) fire(sectionID string) {
	c.mu.Lock()
	content, ok := c.pending[sectionID]
	delete(c.pending, sectionID)
	delete(c.timers, sectionID)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.forward(context.Background(), sectionID, content)
}

// forward hands one coalesced edit to the target. Rejections are already
// recorded by the engine, so they are only logged here.
func (c *Coalescer) forward(ctx context.Context, sectionID string, content remote.Content) error {
	err := c.target.UpdateSection(ctx, sectionID, content)
	if err != nil {
		c.logger.Debug("coalesced edit rejected", zap.String("section", sectionID), zap.Error(err))
	}
	return err
}
