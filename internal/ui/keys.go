package ui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/five82/reportsync/internal/prefs"
	"github.com/five82/reportsync/internal/remote"
)

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		// Any key closes help
		m.showHelp = false
		return m, nil
	}

	if m.editing {
		return m.handleEditKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
		return m, nil

	case key.Matches(msg, m.keys.CycleTheme):
		m.theme = GetTheme(NextTheme(m.theme.Name))
		m.prefs.Theme = m.theme.Name
		if m.prefsPath != "" {
			_ = prefs.Save(m.prefsPath, m.prefs)
		}
		return m, nil

	case key.Matches(msg, m.keys.Activity):
		if m.currentView == ViewActivity {
			m.currentView = ViewReport
			return m, nil
		}
		m.currentView = ViewActivity
		if m.logPath == "" {
			m.activity = []string{"no log file configured"}
			m.updateActivityViewport()
			return m, nil
		}
		return m, tailCmd(m.logPath)

	case key.Matches(msg, m.keys.Escape):
		m.currentView = ViewReport
		return m, nil
	}

	if m.engine == nil {
		return m, nil
	}

	switch m.currentView {
	case ViewActivity:
		var cmd tea.Cmd
		m.activityViewport, cmd = m.activityViewport.Update(msg)
		return m, cmd
	default:
		return m.handleReportKey(msg)
	}
}

// handleReportKey processes keyboard input for the report view.
func (m Model) handleReportKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctx := m.ctx
	engine := m.engine
	count := len(m.snapshot.Sections())

	switch {
	case key.Matches(msg, m.keys.Down):
		if m.selected < count-1 {
			m.selected++
			m.updateDetailViewport()
		}
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
			m.updateDetailViewport()
		}
	case key.Matches(msg, m.keys.Top):
		m.selected = 0
		m.updateDetailViewport()
	case key.Matches(msg, m.keys.Bottom):
		m.selected = max(count-1, 0)
		m.updateDetailViewport()
	case key.Matches(msg, m.keys.HalfPageDown):
		m.detailViewport.HalfViewDown()
	case key.Matches(msg, m.keys.HalfPageUp):
		m.detailViewport.HalfViewUp()

	case key.Matches(msg, m.keys.Edit):
		if m.startEditing() {
			return m, textinput.Blink
		}

	case key.Matches(msg, m.keys.ToggleOnline):
		online := !m.snapshot.IsOnline
		m.notice = "going offline, edits will queue"
		if online {
			m.notice = "back online, sending queued edits"
		}
		return m, opCmd("connectivity", func() error {
			engine.SetOnline(ctx, online)
			return nil
		})

	case key.Matches(msg, m.keys.Save):
		if m.editor == nil {
			return m, nil
		}
		editor := m.editor
		return m, opCmd("save", func() error { return editor.Flush(ctx) })

	case key.Matches(msg, m.keys.Reload):
		reportID := m.snapshot.ReportID()
		if reportID == "" {
			return m, nil
		}
		return m, opCmd("reload", func() error { return engine.LoadReport(ctx, reportID) })

	case key.Matches(msg, m.keys.Export):
		format := remote.ExportFormat(m.prefs.ExportFormat)
		if format == "" {
			format = remote.FormatPDF
		}
		return m, func() tea.Msg {
			id, err := engine.ExportReport(ctx, format, remote.ExportOptions{IncludeInsights: true, IncludeCharts: true})
			if err != nil {
				return opDoneMsg{op: "export", err: err}
			}
			return opDoneMsg{op: "export", notice: "export " + truncate(id, 8) + " queued as " + string(format)}
		}

	case key.Matches(msg, m.keys.CancelExport):
		job, ok := latestActiveExport(m.snapshot.ExportJobs)
		if !ok {
			m.notice = "no export in progress"
			return m, nil
		}
		return m, opCmd("cancel export", func() error { return engine.CancelExport(ctx, job.ID) })

	case key.Matches(msg, m.keys.Collaborate):
		if m.snapshot.Session != nil {
			return m, opCmd("end collaboration", func() error { return engine.EndCollaboration(ctx) })
		}
		participants := append([]string(nil), m.prefs.Participants...)
		return m, opCmd("start collaboration", func() error {
			return engine.StartCollaboration(ctx, participants)
		})

	case key.Matches(msg, m.keys.Retry):
		if m.snapshot.LastError == nil {
			return m, nil
		}
		return m, opCmd("retry", func() error { return engine.RetryLastOperation(ctx) })

	case key.Matches(msg, m.keys.Dismiss):
		engine.ClearError()
		m.notice = ""
		return m, fetchSnapshotCmd(engine)
	}

	return m, nil
}

// handleEditKey processes keyboard input while a section is being edited.
func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Confirm):
		m.commitEdit()
		return m, nil
	case key.Matches(msg, m.keys.Escape):
		m.stopEditing()
		m.notice = "edit discarded"
		return m, nil
	case msg.String() == "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func latestActiveExport(jobs []remote.ExportJob) (remote.ExportJob, bool) {
	for i := len(jobs) - 1; i >= 0; i-- {
		if !jobs[i].Status.Terminal() {
			return jobs[i], true
		}
	}
	return remote.ExportJob{}, false
}
