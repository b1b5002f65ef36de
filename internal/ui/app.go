package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/five82/reportsync/internal/events"
	"github.com/five82/reportsync/internal/logtail"
	"github.com/five82/reportsync/internal/prefs"
	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/state"
)

// View represents the current active view.
type View int

const (
	ViewReport View = iota
	ViewActivity
)

const activityLines = 200

// Engine is the part of the sync engine the UI drives.
type Engine interface {
	Snapshot() state.EngineState
	LoadReport(ctx context.Context, reportID string) error
	SetOnline(ctx context.Context, online bool)
	ExportReport(ctx context.Context, format remote.ExportFormat, opts remote.ExportOptions) (string, error)
	CancelExport(ctx context.Context, jobID string) error
	StartCollaboration(ctx context.Context, participantIDs []string) error
	EndCollaboration(ctx context.Context) error
	RetryLastOperation(ctx context.Context) error
	ClearError()
}

// Editor receives section edits as the user types them.
type Editor interface {
	Submit(sectionID string, content remote.Content)
	Flush(ctx context.Context) error
}

// Options configures the UI.
type Options struct {
	Context context.Context
	Engine  Engine
	Editor  Editor
	// Events triggers a redraw on every engine state change. Without it the
	// UI only refreshes on its tick.
	Events       <-chan events.StateChanged
	LogPath      string
	Prefs        prefs.Prefs
	PrefsPath    string
	RefreshEvery time.Duration
}

// Model is the root application state for Bubble Tea.
type Model struct {
	// Configuration
	ctx       context.Context
	engine    Engine
	editor    Editor
	events    <-chan events.StateChanged
	logPath   string
	prefs     prefs.Prefs
	prefsPath string
	tick      time.Duration

	// UI state
	keys        keyMap
	theme       Theme
	currentView View
	width       int
	height      int
	ready       bool
	showHelp    bool

	// Data state
	snapshot    state.EngineState
	lastUpdated time.Time
	notice      string

	selected int

	// Editing
	editing   bool
	editingID string
	input     textinput.Model

	detailViewport   viewport.Model
	activityViewport viewport.Model
	activity         []string
}

// New creates a new Bubble Tea model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	tick := opts.RefreshEvery
	if tick <= 0 {
		tick = time.Second
	}

	userPrefs := opts.Prefs
	themeName := userPrefs.Theme
	if themeName == "" {
		themeName = "Nightfox"
	}

	prefsPath := opts.PrefsPath
	if prefsPath == "" {
		prefsPath = prefs.DefaultPath()
	}

	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 8000

	m := Model{
		ctx:       ctx,
		engine:    opts.Engine,
		editor:    opts.Editor,
		events:    opts.Events,
		logPath:   opts.LogPath,
		prefs:     userPrefs,
		prefsPath: prefsPath,
		tick:      tick,
		keys:      DefaultKeyMap(),
		theme:     GetTheme(themeName),
		input:     input,
	}
	if m.engine != nil {
		m.snapshot = m.engine.Snapshot()
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		tea.EnterAltScreen,
		tickCmd(m.tick),
	}
	if m.engine != nil {
		cmds = append(cmds, fetchSnapshotCmd(m.engine))
	}
	if m.events != nil {
		cmds = append(cmds, waitForEvent(m.events))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.detailViewport = viewport.New(0, 0)
			m.activityViewport = viewport.New(0, 0)
		}
		m.ready = true
		m.resize()
		m.updateDetailViewport()
		m.updateActivityViewport()
		return m, nil

	case tickMsg:
		return m.handleTick()

	case stateChangedMsg:
		var cmds []tea.Cmd
		if m.engine != nil {
			cmds = append(cmds, fetchSnapshotCmd(m.engine))
		}
		if m.events != nil {
			cmds = append(cmds, waitForEvent(m.events))
		}
		return m, tea.Batch(cmds...)

	case snapshotMsg:
		m.applySnapshot(state.EngineState(msg))
		return m, nil

	case opDoneMsg:
		if msg.err != nil {
			m.notice = msg.op + " failed: " + msg.err.Error()
		} else if msg.notice != "" {
			m.notice = msg.notice
		}
		if m.engine != nil {
			return m, fetchSnapshotCmd(m.engine)
		}
		return m, nil

	case activityMsg:
		m.activity = []string(msg)
		m.updateActivityViewport()
		return m, nil
	}

	if m.editing {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	if m.showHelp {
		return m.renderHelp()
	}
	return m.renderMain()
}

func (m *Model) applySnapshot(s state.EngineState) {
	m.snapshot = s
	m.lastUpdated = time.Now()
	if n := len(s.Sections()); m.selected >= n {
		m.selected = max(n-1, 0)
	}
	if m.editing {
		if _, ok := s.Section(m.editingID); !ok {
			m.stopEditing()
			m.notice = "section removed while editing"
		}
	}
	m.updateDetailViewport()
}

func (m *Model) selectedSection() (remote.Section, bool) {
	secs := m.snapshot.Sections()
	if m.selected < 0 || m.selected >= len(secs) {
		return remote.Section{}, false
	}
	return secs[m.selected], true
}

func (m *Model) startEditing() bool {
	sec, ok := m.selectedSection()
	if !ok || m.editor == nil {
		return false
	}
	m.editing = true
	m.editingID = sec.ID
	m.input.SetValue(contentText(sec.Content))
	m.input.CursorEnd()
	m.input.Focus()
	return true
}

func (m *Model) stopEditing() {
	m.editing = false
	m.editingID = ""
	m.input.Blur()
	m.input.Reset()
}

// commitEdit hands the edited text to the editor. Fields other than "text"
// are carried over from the section.
func (m *Model) commitEdit() {
	sec, ok := m.snapshot.Section(m.editingID)
	if ok && m.editor != nil {
		content := sec.Content.Clone()
		if content == nil {
			content = remote.Content{}
		}
		content["text"] = m.input.Value()
		m.editor.Submit(sec.ID, content)
		m.notice = "saving " + sectionLabel(sec)
	}
	m.stopEditing()
}

func (m *Model) resize() {
	detailHeight := m.height - 8
	if detailHeight < 3 {
		detailHeight = 3
	}
	m.detailViewport.Width = max(m.width-m.listWidth()-3, 10)
	m.detailViewport.Height = detailHeight
	m.activityViewport.Width = m.width
	m.activityViewport.Height = max(m.height-3, 3)
	m.input.Width = max(m.width-4, 10)
}

func (m Model) listWidth() int {
	w := m.width / 3
	if w < 20 {
		w = 20
	}
	if w > 40 {
		w = 40
	}
	return w
}

func (m *Model) updateDetailViewport() {
	if !m.ready {
		return
	}
	m.detailViewport.SetContent(m.renderDetail())
}

func (m *Model) updateActivityViewport() {
	if !m.ready {
		return
	}
	atBottom := m.activityViewport.AtBottom()
	m.activityViewport.SetContent(strings.Join(m.activity, "\n"))
	if atBottom {
		m.activityViewport.GotoBottom()
	}
}

// handleTick processes the refresh tick.
func (m Model) handleTick() (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	if m.engine != nil {
		cmds = append(cmds, fetchSnapshotCmd(m.engine))
	}
	if m.currentView == ViewActivity && m.logPath != "" {
		cmds = append(cmds, tailCmd(m.logPath))
	}
	cmds = append(cmds, tickCmd(m.tick))
	return m, tea.Batch(cmds...)
}

// renderMain renders the full UI.
func (m Model) renderMain() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderContent())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderContent() string {
	switch m.currentView {
	case ViewActivity:
		return m.activityViewport.View()
	default:
		return m.renderReport()
	}
}

// Messages

type tickMsg time.Time

type snapshotMsg state.EngineState

type stateChangedMsg events.StateChanged

type activityMsg []string

type opDoneMsg struct {
	op     string
	notice string
	err    error
}

// Commands

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshotCmd(engine Engine) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(engine.Snapshot())
	}
}

func waitForEvent(ch <-chan events.StateChanged) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return stateChangedMsg(ev)
	}
}

func tailCmd(path string) tea.Cmd {
	return func() tea.Msg {
		lines, err := logtail.Tail(path, activityLines)
		if err != nil {
			return activityMsg{"log unavailable: " + err.Error()}
		}
		return activityMsg(lines)
	}
}

// opCmd runs a blocking engine call off the UI goroutine.
func opCmd(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn()}
	}
}

// Run starts the Bubble Tea program.
func Run(opts Options) error {
	m := New(opts)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(m.ctx))
	_, err := p.Run()
	return err
}
