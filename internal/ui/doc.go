// Package ui provides the terminal interface for editing a report.
//
// # Architecture Overview
//
// The UI is a Bubble Tea program over the sync engine. It never mutates
// engine state directly: it reads snapshots, forwards keystrokes to the
// engine or to the edit coalescer, and redraws when the engine publishes a
// state change on the event bus. A one second tick also refreshes the
// snapshot so relative times stay current without events.
//
// Blocking engine calls (reload, export, collaboration, retry) run as
// tea.Cmd functions off the UI goroutine and report back with opDoneMsg.
//
// # Views
//
//   - Report: section list with pending markers beside the selected
//     section, followed by export jobs, the collaboration session and the
//     error bar
//   - Activity: the tail of the client's log file, formatted by logtail
//
// # Pending Markers
//
//	"*"  unsaved content edit
//	"+"  unsaved new section
//	"-"  removal not yet confirmed
//	"~"  reorder not yet confirmed
//
// Markers use the "offline" color when the change is queued for reconnect.
//
// # Errors
//
// The footer shows LastError with its kind. "r" re-runs the failed
// operation with its original arguments and "d" dismisses it.
package ui
