// Package app is the composition root for reportsync.
//
// Run loads configuration and preferences, opens the log file, installs
// tracing, builds the remote client and the sync engine, then hands the
// engine to the TUI and blocks until the user quits or ctx is cancelled.
//
// Background work started here:
//
//   - a netmon.HealthChecker pinging the service every health_poll_ms, driving the
//     engine's connectivity
//   - the report feed (StartFeed), reconnecting with capped exponential
//     backoff so presence and export pushes resume after outages
//   - an engine.Coalescer debouncing keystroke edits before they reach the
//     engine
//
// A report that fails to load is not fatal: the error is shown in the UI,
// where it can be retried. On exit, edits still inside the coalescing window
// are flushed before the engine is closed.
package app
