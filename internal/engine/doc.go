// Package engine keeps a local, editable copy of a report in step with the
// report service.
//
// Every edit is applied to the state store first and confirmed afterwards:
// UpdateSection, AddSection, RemoveSection and ReorderSections change the
// visible report immediately, record a pending change, and return. A
// background confirmation sends the change through the retry controller;
// success clears the pending entry and advances LastSyncTime, terminal
// failure puts the previous content back and records LastError.
//
// Pending changes double as the offline queue. While the engine is offline
// edits are only recorded; when connectivity returns FlushPending replays
// them in the order they were queued. A change whose retries run out after
// the engine went offline is queued again instead of being rolled back.
//
// Remote writes are serialized per section. Each write owns its pending
// entry through a sequence number, so an older write finishing late never
// rolls back or clears a newer edit to the same section; it only moves the
// base that the newer edit would roll back to.
//
// Blocking operations (LoadReport, StartCollaboration, CancelExport and
// friends) return classified errors from the remote package. Optimistic
// operations return errors only for invalid arguments. In both cases the
// failure is also recorded as LastError so hosts can render it, and
// RetryLastOperation re-issues whatever set it.
//
// Export jobs are tracked from submission to a terminal state. Each job has
// its own poller and cancel func; updates pushed over the report feed are
// applied through the same transition, so polls and pushes can race safely.
package engine
