// Package logtail reads the tail of the client's log file for display.
//
// Read uses a ring buffer of maxLines entries, so it makes one pass over
// the file and holds only the lines it returns. A missing file yields no
// lines and no error.
//
// The logging package writes one JSON object per line. Parse decodes such a
// line into an Entry and Format renders it compactly for the activity pane:
//
//	14:32:15 WARN  [engine] operation failed key=A kind=network op=update section
//
// Tail combines the two. Lines that are not JSON are returned unchanged.
package logtail
