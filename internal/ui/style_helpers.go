package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// BgStyle renders status-bar spans on one background color. lipgloss emits a
// reset after every styled segment, so each word and every gap between
// words carries the background itself.
type BgStyle struct {
	fill lipgloss.Style
}

// NewBgStyle returns a helper painting on bgColor.
func NewBgStyle(bgColor string) BgStyle {
	return BgStyle{fill: lipgloss.NewStyle().Background(lipgloss.Color(bgColor))}
}

// Render styles text word by word on the background. Runs of spaces are
// kept.
func (b BgStyle) Render(text string, style lipgloss.Style) string {
	if text == "" {
		return ""
	}
	words := style.Inherit(b.fill)
	var out strings.Builder
	for i, word := range strings.Split(text, " ") {
		if i > 0 {
			out.WriteString(b.Space())
		}
		if word != "" {
			out.WriteString(words.Render(word))
		}
	}
	return out.String()
}

// Space returns one painted space.
func (b BgStyle) Space() string { return b.Spaces(1) }

// Spaces returns n painted spaces.
func (b BgStyle) Spaces(n int) string {
	if n <= 0 {
		return ""
	}
	return b.fill.Render(strings.Repeat(" ", n))
}

// Join joins rendered spans with a painted separator.
func (b BgStyle) Join(parts []string, sep string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, b.fill.Render(sep))
}

// FillLine pads content with the background out to width cells.
func (b BgStyle) FillLine(content string, width int) string {
	if width <= 0 {
		return content
	}
	return b.fill.Width(width).Render(content)
}
