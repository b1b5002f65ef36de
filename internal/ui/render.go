package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/state"
)

// renderHeader renders the status bar: report, connectivity and sync state.
func (m Model) renderHeader() string {
	styles := m.theme.Styles().WithBackground(m.theme.Surface)
	bg := NewBgStyle(m.theme.Surface)
	snap := m.snapshot

	parts := []string{bg.Render("reportsync", styles.Logo)}

	switch {
	case snap.IsLoading && snap.Report == nil:
		parts = append(parts, bg.Render("Loading report...", styles.WarningText.Bold(true)))
	case snap.Report == nil:
		parts = append(parts, bg.Render("No report loaded", styles.MutedText))
	default:
		parts = append(parts,
			bg.Render(truncate(snap.Report.Title, 40), styles.Text.Bold(true)),
			styles.StatusStyle(string(snap.Report.Status)).Render(string(snap.Report.Status)),
		)
	}

	if snap.IsOnline {
		parts = append(parts, bg.Render("online", styles.SuccessText))
	} else {
		parts = append(parts, styles.StatusStyle("offline").Render("OFFLINE"))
	}
	if snap.IsSaving() {
		parts = append(parts, bg.Render("saving "+strconv.Itoa(snap.InFlight), styles.InfoText))
	}
	if n := len(snap.Pending); n > 0 {
		queued := 0
		for _, p := range snap.Pending {
			if p.Offline {
				queued++
			}
		}
		label := fmt.Sprintf("%d pending", n)
		if queued > 0 {
			label += fmt.Sprintf(" (%d queued)", queued)
		}
		parts = append(parts, bg.Render(label, styles.WarningText))
	}
	if snap.Session != nil {
		parts = append(parts, bg.Render(fmt.Sprintf("collab %d", len(snap.Session.Participants)), styles.AccentText))
	}
	parts = append(parts,
		bg.Render("synced", styles.FaintText)+bg.Space()+
			bg.Render(formatAgo(snap.LastSyncTime, time.Now()), styles.MutedText))

	return styles.Header.Render(bg.FillLine(bg.Join(parts, "  "), m.width-2))
}

// renderReport renders the section list beside the selected section.
func (m Model) renderReport() string {
	list := m.renderSectionList()
	detail := m.detailViewport.View()
	if m.editing {
		detail = m.renderEditor()
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(m.listWidth()).Render(list),
		lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			BorderForeground(lipgloss.Color(m.theme.Border)).
			PaddingLeft(1).
			Render(detail),
	)

	var b strings.Builder
	b.WriteString(body)
	if line := m.renderExports(); line != "" {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if line := m.renderSession(); line != "" {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func (m Model) renderSectionList() string {
	styles := m.theme.Styles()
	secs := m.snapshot.Sections()
	if len(secs) == 0 {
		return styles.MutedText.Render("no sections")
	}
	width := m.listWidth() - 4
	lines := make([]string, 0, len(secs))
	for i, sec := range secs {
		marker := " "
		if p, ok := m.snapshot.PendingFor(sec.ID); ok {
			marker = pendingMarker(p)
			marker = styles.StatusStyle(pendingStatus(p)).Padding(0).Render(marker)
		}
		label := truncate(sectionLabel(sec), width)
		if i == m.selected {
			label = styles.Selected.Render(label)
		} else {
			label = styles.Text.Render(label)
		}
		lines = append(lines, marker+" "+label)
	}
	if p, ok := m.snapshot.PendingFor(state.ReorderKey); ok {
		lines = append(lines, styles.StatusStyle(pendingStatus(p)).Render("order pending"))
	}
	return strings.Join(lines, "\n")
}

// renderDetail renders the selected section's content and sync status.
func (m Model) renderDetail() string {
	styles := m.theme.Styles()
	sec, ok := m.selectedSection()
	if !ok {
		return styles.MutedText.Render("select a section")
	}

	var b strings.Builder
	b.WriteString(styles.AccentText.Bold(true).Render(sectionLabel(sec)))
	b.WriteString("\n")
	meta := []string{}
	if sec.UpdatedBy != "" {
		meta = append(meta, "by "+sec.UpdatedBy)
	}
	if !sec.UpdatedAt.IsZero() {
		meta = append(meta, formatAgo(sec.UpdatedAt, time.Now()))
	}
	if p, ok := m.snapshot.PendingFor(sec.ID); ok {
		status := "unsaved " + p.Kind.String()
		if p.Offline {
			status += ", queued offline"
		}
		meta = append(meta, status)
	}
	if len(meta) > 0 {
		b.WriteString(styles.FaintText.Render(strings.Join(meta, " · ")))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(styles.Text.Render(contentText(sec.Content)))
	return b.String()
}

func (m Model) renderEditor() string {
	styles := m.theme.Styles()
	sec, _ := m.snapshot.Section(m.editingID)
	var b strings.Builder
	b.WriteString(styles.AccentText.Bold(true).Render("Editing " + sectionLabel(sec)))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(styles.FaintText.Render("enter save · esc discard"))
	return b.String()
}

func (m Model) renderExports() string {
	jobs := m.snapshot.ExportJobs
	if len(jobs) == 0 {
		return ""
	}
	styles := m.theme.Styles()
	parts := []string{styles.FaintText.Render("exports")}
	// Newest last; show the few most recent.
	start := max(len(jobs)-4, 0)
	for _, job := range jobs[start:] {
		label := string(job.Format)
		if pct := progressLabel(job.Progress); pct != "" && !job.Status.Terminal() {
			label += " " + pct
		}
		part := styles.StatusStyle(string(job.Status)).Render(string(job.Status)) + " " + styles.Text.Render(label)
		switch {
		case job.Status == remote.ExportCompleted && job.ResultURL != "":
			part += " " + styles.MutedText.Render(truncate(job.ResultURL, 48))
		case job.Status == remote.ExportFailed && job.Error != "":
			part += " " + styles.DangerText.Render(truncate(job.Error, 48))
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderSession() string {
	s := m.snapshot.Session
	if s == nil {
		return ""
	}
	styles := m.theme.Styles()
	who := "nobody else"
	if len(s.Participants) > 0 {
		who = strings.Join(s.Participants, ", ")
	}
	return styles.FaintText.Render("collaborating with") + " " + styles.AccentText.Render(truncate(who, max(m.width-24, 10)))
}

// renderFooter renders the error bar or notice and the command hints.
func (m Model) renderFooter() string {
	styles := m.theme.Styles().WithBackground(m.theme.Surface)
	bg := NewBgStyle(m.theme.Surface)

	var status string
	if err := m.snapshot.LastError; err != nil {
		hint := "r retry · d dismiss"
		label := err.Kind.String()
		if err.Retryable {
			label += ", retryable"
		}
		status = bg.Render("! "+truncate(err.Error(), max(m.width-40, 20)), styles.DangerText) +
			bg.Space() + bg.Render("("+label+")", styles.MutedText) +
			bg.Spaces(2) + bg.Render(hint, styles.WarningText)
	} else if m.notice != "" {
		status = bg.Render(truncate(m.notice, max(m.width-2, 10)), styles.InfoText)
	}

	hints := make([]string, 0, 8)
	for _, b := range m.keys.ShortHelp() {
		hints = append(hints, b.Help().Key+" "+strings.ToLower(b.Help().Desc))
	}
	keys := bg.Render(strings.Join(hints, " · "), styles.FaintText)
	if m.currentView == ViewActivity {
		keys = bg.Render("j/k scroll · a/esc back · q quit", styles.FaintText)
	}
	line := func(content string) string {
		return styles.Footer.Render(bg.FillLine(content, m.width-2))
	}
	if status == "" {
		return line(keys)
	}
	return line(status) + "\n" + line(keys)
}

func sectionLabel(sec remote.Section) string {
	if strings.TrimSpace(sec.Title) != "" {
		return sec.Title
	}
	return sec.ID
}

func pendingMarker(p state.PendingChange) string {
	switch p.Kind {
	case state.ChangeAdd:
		return "+"
	case state.ChangeRemove:
		return "-"
	case state.ChangeReorder:
		return "~"
	default:
		return "*"
	}
}

func pendingStatus(p state.PendingChange) string {
	if p.Offline {
		return "offline"
	}
	return p.Kind.String()
}
