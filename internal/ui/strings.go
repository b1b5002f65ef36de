package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/five82/reportsync/internal/remote"
)

// truncate shortens a string to the given limit, adding ellipsis if needed.
func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// contentText returns the editable text of a section. Content without a
// "text" field is shown as sorted key: value lines.
func contentText(c remote.Content) string {
	if s, ok := c["text"].(string); ok {
		return s
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, c[k]))
	}
	return strings.Join(lines, "\n")
}

// formatAgo renders how long ago t was in a compact form.
func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return t.Local().Format("15:04")
	}
}

// progressLabel renders an export progress fraction as a percentage.
func progressLabel(p *float64) string {
	if p == nil {
		return ""
	}
	pct := *p * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("%.0f%%", pct)
}
