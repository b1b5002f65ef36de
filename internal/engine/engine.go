package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/five82/reportsync/internal/events"
	"github.com/five82/reportsync/internal/netmon"
	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/state"
)

const (
	defaultFlushConcurrency = 1
	defaultExportPoll       = 2 * time.Second
	maxExportPoll           = 30 * time.Second
)

// Options configure an Engine. Zero values use defaults.
type Options struct {
	Retry retry.Controller
	// Monitor supplies connectivity. Nil starts a private monitor that
	// reports online until SetOnline says otherwise.
	Monitor *netmon.Monitor
	// Bus receives a StateChanged for every applied transition.
	Bus    *events.Bus
	Logger *zap.Logger

	// FlushConcurrency bounds how many queued changes are replayed at once
	// on reconnect. One keeps insertion order across sections.
	FlushConcurrency int
	// ExportPoll is the export status poll interval. Negative disables
	// polling so only pushed updates advance jobs.
	ExportPoll time.Duration
	// ExportPollMax caps the poll backoff after failures.
	ExportPollMax time.Duration
}

// Engine keeps a local copy of one report consistent with the report
// service. All methods are safe for concurrent use.
type Engine struct {
	store   *state.Store
	svc     remote.Service
	retry   retry.Controller
	monitor *netmon.Monitor
	logger  *zap.Logger

	flushConcurrency int
	exportPoll       time.Duration
	exportPollMax    time.Duration

	locks   keyLocks
	flights singleflight.Group
	wg      sync.WaitGroup
	pollWG  sync.WaitGroup

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	watchDone   chan struct{}
	closeOnce   sync.Once

	// errMu keeps LastError and lastOp in step.
	errMu  sync.Mutex
	lastOp func(ctx context.Context) error

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// ErrNoService is returned by New without a remote service.
var ErrNoService = errors.New("engine: remote service is required")

// New builds an Engine around svc and starts watching connectivity.
// Call Close to stop background work.
func New(svc remote.Service, opts Options) (*Engine, error) {
	if svc == nil {
		return nil, ErrNoService
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = netmon.New(true)
	}
	concurrency := opts.FlushConcurrency
	if concurrency <= 0 {
		concurrency = defaultFlushConcurrency
	}
	poll := opts.ExportPoll
	if poll == 0 {
		poll = defaultExportPoll
	}
	pollMax := opts.ExportPollMax
	if pollMax <= 0 {
		pollMax = maxExportPoll
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:            state.NewStore(state.EngineState{IsOnline: monitor.Online()}),
		svc:              svc,
		retry:            opts.Retry,
		monitor:          monitor,
		logger:           logger.Named("engine"),
		flushConcurrency: concurrency,
		exportPoll:       poll,
		exportPollMax:    pollMax,
		locks:            keyLocks{locks: make(map[string]*refLock)},
		ctx:              ctx,
		cancel:           cancel,
		watchDone:        make(chan struct{}),
		jobs:             make(map[string]context.CancelFunc),
	}
	if e.retry.OnRetry == nil {
		e.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			e.logger.Debug("retrying remote call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		}
	}
	if bus := opts.Bus; bus != nil {
		e.store.OnChange(func(c state.Change) {
			ev := events.StateChanged{Version: c.Version, Actions: c.Actions, At: time.Now()}
			if err := bus.PublishStateChanged(ev); err != nil {
				e.logger.Warn("publish state change failed", zap.Error(err))
			}
		})
	}

	transitions, unsubscribe := monitor.Subscribe()
	e.unsubscribe = unsubscribe
	go e.watch(transitions)
	return e, nil
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() state.EngineState {
	return e.store.Snapshot()
}

// Monitor returns the connectivity monitor the engine follows.
func (e *Engine) Monitor() *netmon.Monitor {
	return e.monitor
}

// Wait blocks until every background confirmation started so far has
// settled. Export pollers are not waited for.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops pollers and the connectivity watcher, then waits for
// background work to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.unsubscribe()
		<-e.watchDone
		e.wg.Wait()
		e.pollWG.Wait()
	})
}

// SetOnline switches the engine between working offline and online.
// Going offline holds the monitor offline so health checks cannot undo it;
// going online releases the hold and replays the offline queue before it
// returns.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	if online {
		e.monitor.Hold(false)
		e.monitor.Set(true)
	} else {
		e.monitor.Hold(true)
	}
	e.reconcile(ctx, true)
}

func (e *Engine) watch(transitions <-chan netmon.Transition) {
	defer close(e.watchDone)
	for range transitions {
		e.reconcile(e.ctx, false)
	}
}

// reconcile copies the monitor's current state into the store and replays
// queued changes when the engine comes back online.
func (e *Engine) reconcile(ctx context.Context, flush bool) {
	var online, changed bool
	_ = e.store.Update(func(cur state.EngineState) ([]state.Action, error) {
		// Read under the store lock so a late transition cannot
		// overwrite a newer one.
		online = e.monitor.Online()
		if cur.IsOnline == online {
			return nil, nil
		}
		changed = true
		return []state.Action{state.ConnectivitySet{Online: online}}, nil
	})
	if changed && !online {
		e.logger.Info("offline, queueing changes")
	}
	if !online || !(changed || flush) {
		return
	}
	if n := e.FlushPending(ctx); n > 0 || changed {
		e.logger.Info("back online", zap.Int("replayed", n))
	}
}

// ClearError resets LastError without retrying.
func (e *Engine) ClearError() {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.lastOp = nil
	_ = e.store.Dispatch(state.ErrorSet{})
}

// RetryLastOperation re-invokes the operation that last set LastError with
// its original arguments. It does nothing when no failure is recorded.
func (e *Engine) RetryLastOperation(ctx context.Context) error {
	e.errMu.Lock()
	op := e.lastOp
	e.lastOp = nil
	if op != nil {
		_ = e.store.Dispatch(state.ErrorSet{})
	}
	e.errMu.Unlock()
	if op == nil {
		return nil
	}
	return op(ctx)
}

// fail classifies err, records it as LastError and remembers rerun for
// RetryLastOperation.
func (e *Engine) fail(op, key string, err error, rerun func(ctx context.Context) error) {
	kind := remote.KindOf(err)
	opErr := &state.OpError{
		Op:        op,
		Kind:      kind,
		Key:       key,
		Err:       err,
		At:        time.Now(),
		Retryable: kind == remote.KindNetwork,
	}
	e.errMu.Lock()
	e.lastOp = rerun
	_ = e.store.Dispatch(state.ErrorSet{Err: opErr})
	e.errMu.Unlock()
	e.logger.Warn("operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
}

// rejected turns a refused transition into a validation error.
func rejected(op string, err error) error {
	if errors.Is(err, state.ErrRejected) {
		return remote.NewError(remote.KindValidation, op, err)
	}
	return err
}

// background returns a context carrying ctx's values that ends with the
// engine instead of with the caller.
func (e *Engine) background(ctx context.Context) (context.Context, context.CancelFunc) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.ctx, cancel)
	return bg, func() {
		stop()
		cancel()
	}
}

// spawn runs fn in a goroutine tracked by Wait.
func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	bg, cancel := e.background(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		fn(bg)
	}()
}

func (e *Engine) requireReport(op string) (string, error) {
	id := e.store.Snapshot().ReportID()
	if id == "" {
		return "", remote.ValidationError(op, "no report loaded")
	}
	return id, nil
}

// keyLocks serializes remote writes per pending key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
