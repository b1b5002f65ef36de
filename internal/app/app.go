package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/config"
	"github.com/five82/reportsync/internal/engine"
	"github.com/five82/reportsync/internal/events"
	"github.com/five82/reportsync/internal/logging"
	"github.com/five82/reportsync/internal/netmon"
	"github.com/five82/reportsync/internal/prefs"
	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/retry"
	"github.com/five82/reportsync/internal/telemetry"
	"github.com/five82/reportsync/internal/ui"
)

const (
	serviceName    = "reportsync"
	coalesceWindow = 500 * time.Millisecond
	shutdownGrace  = 5 * time.Second
)

// Options configure the reportsync application.
type Options struct {
	ConfigPath string
	EnvFile    string // optional .env with REPORTSYNC_* overrides
	PrefsPath  string // empty uses default ~/.config/reportsync/prefs.toml
	ReportID   string // empty reopens the last report
}

// Run boots the sync engine and the TUI until the context is cancelled or
// the user quits.
func Run(ctx context.Context, opts Options) error {
	rt, err := start(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.close()

	return ui.Run(ui.Options{
		Context:   ctx,
		Engine:    rt.engine,
		Editor:    rt.editor,
		Events:    rt.events,
		LogPath:   rt.cfg.LogFile,
		Prefs:     rt.prefs,
		PrefsPath: opts.PrefsPath,
	})
}

// runtime holds everything Run starts so it can be torn down in order.
type runtime struct {
	cfg    config.Config
	prefs  prefs.Prefs
	logger *zap.Logger

	engine *engine.Engine
	editor *engine.Coalescer
	bus    *events.Bus
	events <-chan events.StateChanged

	cancel   context.CancelFunc
	feedDone <-chan struct{}
	shutdown telemetry.ShutdownFunc
}

func start(ctx context.Context, opts Options) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{Path: cfg.LogFile, Level: cfg.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	shutdown, err := telemetry.InitTracer(ctx, cfg.OTelEndpoint, serviceName, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	userPrefs, _ := prefs.Load(opts.PrefsPath)

	client, err := remote.NewClient(cfg.APIURL, remote.ClientOptions{
		UserID:     cfg.UserID,
		InsightTTL: cfg.InsightCacheTTL,
	})
	if err != nil {
		_ = shutdown(context.Background())
		_ = logger.Sync()
		return nil, fmt.Errorf("init report client: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &runtime{
		cfg:      cfg,
		prefs:    userPrefs,
		logger:   logger,
		cancel:   cancel,
		shutdown: shutdown,
	}

	rt.bus = events.NewBus(logger.Named("events"))
	rt.events, err = rt.bus.Subscribe(runCtx)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("subscribe to state changes: %w", err)
	}

	monitor := netmon.New(true)
	checker := &netmon.HealthChecker{
		Monitor:  monitor,
		Pinger:   client,
		Interval: cfg.HealthPoll,
		Logger:   logger.Named("netmon"),
	}
	go checker.Run(runCtx)

	rt.engine, err = engine.New(client, engine.Options{
		Retry:            retry.New(cfg.RetryAttempts, cfg.RetryBaseDelay),
		Monitor:          monitor,
		Bus:              rt.bus,
		Logger:           logger.Named("engine"),
		FlushConcurrency: cfg.FlushConcurrency,
		ExportPoll:       cfg.ExportPoll,
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init sync engine: %w", err)
	}
	rt.editor = engine.NewCoalescer(rt.engine, coalesceWindow, logger.Named("coalesce"))

	reportID := strings.TrimSpace(opts.ReportID)
	if reportID == "" {
		reportID = userPrefs.LastReport
	}
	if reportID == "" {
		logger.Info("no report selected")
		return rt, nil
	}

	// A failed load is shown in the UI with a retry, not fatal.
	if err := rt.engine.LoadReport(runCtx, reportID); err != nil {
		logger.Warn("initial load failed", zap.String("report", reportID), zap.Error(err))
	} else if reportID != userPrefs.LastReport {
		rt.prefs.LastReport = reportID
		if err := prefs.Save(opts.PrefsPath, rt.prefs); err != nil {
			logger.Warn("save prefs", zap.Error(err))
		}
	}

	feed, err := remote.NewFeed(client.BaseURL(), cfg.FeedURL, reportID)
	if err != nil {
		logger.Warn("report feed disabled", zap.Error(err))
		return rt, nil
	}
	rt.feedDone = StartFeed(runCtx, feed, rt.engine, cfg.HealthPoll, logger.Named("feed"))
	return rt, nil
}

// close flushes edits still inside the coalescing window, then stops the
// background work.
func (rt *runtime) close() {
	if rt.editor != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := rt.editor.Flush(flushCtx); err != nil {
			rt.logger.Warn("flush on exit", zap.Error(err))
		}
		cancel()
		rt.editor.Stop()
	}
	rt.cancel()
	if rt.feedDone != nil {
		<-rt.feedDone
	}
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.bus != nil {
		_ = rt.bus.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("tracer shutdown", zap.Error(err))
	}
	_ = rt.logger.Sync()
}
