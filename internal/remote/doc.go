// Package remote provides the client for the report service API.
//
// # Overview
//
// This package defines the Service contract the sync engine consumes, an HTTP
// implementation of it, the websocket feed that carries presence and export
// pushes, and the error taxonomy every call reports through.
//
// # Architecture
//
//   - client.go: Service interface and the HTTP Client
//   - feed.go: websocket subscription for presence and export status pushes
//   - errors.go: Kind classification and the Error type
//   - types.go: data structures mirroring the service schema
//
// # Client Usage
//
//	client, err := remote.NewClient("http://127.0.0.1:8420", remote.ClientOptions{UserID: "ana"})
//	if err != nil {
//		return err
//	}
//	report, err := client.LoadReport(ctx, "R1")
//
// # Error Handling
//
// Every failure is returned as *Error carrying a Kind:
//
//   - KindNetwork: transport failures, timeouts, 408/429/502/503/504
//   - KindValidation: invalid arguments, 400/404/422, failed struct validation
//   - KindConflict: 409/412; the service's copy of the report is attached
//   - KindAuthorization: 401/403
//   - KindUnknown: everything else, including decode failures
//
// Only KindNetwork is retryable. Use KindOf to classify wrapped errors and
// ConflictState to recover the attached remote report.
//
// # Validation
//
// Request structs carry validator tags and are checked before any request is
// sent, so malformed input never costs a round trip.
//
// # Caching
//
// GenerateInsights results are cached per report and category set. Reviewing
// an insight or deleting the report drops the cached entries.
//
// # Streaming
//
// SendChatEdit returns a ChatStream over newline delimited JSON frames. The
// last frame carries the structured result; Next returns io.EOF afterwards.
//
// # Tracing
//
// Each call runs inside an OpenTelemetry client span named after the
// operation. Without a configured provider the spans are no-ops.
//
// # Thread Safety
//
// Client and Feed are safe for concurrent use.
package remote
