// Package state holds the sync engine's single source of truth.
//
// # Overview
//
// EngineState aggregates the loaded report and its ordered sections, AI
// insights, the collaboration session, export jobs, the pending-change map,
// the last error, connectivity, and the last confirmed sync time. Nothing
// outside this package writes to it directly: callers describe a change as an
// Action and hand it to the Store.
//
// # Transitions
//
// The action set is closed (Action has an unexported method) and Reduce is the
// only function that interprets it:
//
//	next, err := state.Reduce(prev, state.SectionUpserted{Section: sec, Index: -1})
//
// Reduce never modifies prev. A rejected action (unknown section, duplicate
// id, a reorder that is not a permutation) returns prev unchanged with an
// error wrapping ErrRejected. Reduce performs no I/O; network calls happen in
// the engine before and after dispatching.
//
// # Store
//
//	Writers (engine ops, pollers):        Readers (UI, tests):
//	┌───────────────────────────┐         ┌──────────────────┐
//	│ store.Dispatch(a1, a2...) │────────→│ store.Snapshot() │
//	│ store.Update(fn)          │ (mutex) │       ↓          │
//	└───────────────────────────┘         │  render / assert │
//	                                      └──────────────────┘
//
// Dispatch applies a batch as one transition: either every action applies or
// none does. Update lets a writer read the current state and derive actions
// under the same lock, which is how the optimistic path captures the
// pre-update content it may later restore.
//
// Snapshot returns a deep copy. Sections, content payloads, pending entries
// and export jobs are cloned, so a reader can hold a snapshot indefinitely.
//
// # Pending Changes
//
// Pending is ordered by first insertion and keyed by section id (ReorderKey
// for a queued reorder). An entry exists exactly while a locally applied
// change is unconfirmed. Each entry records the write sequence number that
// owns it; PendingCleared with a stale Seq is ignored, which is how a slow
// confirmation avoids discarding a newer write to the same section.
//
// # Export Jobs
//
// Jobs move queued → processing → completed | failed | cancelled. Terminal
// jobs are frozen and kept; late or backwards updates are dropped silently
// because polls and pushes race.
//
// # Change Notification
//
// OnChange listeners run after each applied transition, outside the lock,
// with the new Version and the action names. The engine forwards these to
// the event feed.
package state
