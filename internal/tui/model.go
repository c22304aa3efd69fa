// Package tui draws the two panes side by side and forwards keyboard input to
// the focused one. It only reads pane snapshots; all conversation state lives
// in the pane controllers.
package tui

import (
	"fmt"
	"strings"

	"DualChat/internal/conversation"
	"DualChat/internal/pane"
	"DualChat/internal/render"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Pane is the part of a pane controller the view needs
type Pane interface {
	Name() string
	SetDraft(text string) bool
	SubmitDraft() bool
	Snapshot() pane.Snapshot
	Updates() <-chan struct{}
	Done() <-chan struct{}
}

var _ Pane = (*pane.Controller)(nil)

type paneUpdatedMsg struct{ side int }
type paneStoppedMsg struct{ side int }

// waitForUpdate blocks until the pane publishes a new snapshot or stops
func waitForUpdate(side int, p Pane) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-p.Updates():
			return paneUpdatedMsg{side: side}
		case <-p.Done():
			return paneStoppedMsg{side: side}
		}
	}
}

type column struct {
	pane  Pane
	snap  pane.Snapshot
	input textinput.Model
	view  viewport.Model
	live  bool
}

type model struct {
	cols    [2]*column
	focus   int
	spinner spinner.Model
	keys    keyMap
	help    help.Model
	theme   theme

	width  int
	height int
}

func newModel(left, right Pane) model {
	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	m := model{
		spinner: sp,
		keys:    defaultKeys(),
		help:    help.New(),
		theme:   newTheme(),
	}
	for i, p := range []Pane{left, right} {
		input := textinput.New()
		input.Prompt = "❯ "
		input.CharLimit = 4000
		input.Placeholder = "Message " + p.Name()

		view := viewport.New(0, 0)
		view.MouseWheelEnabled = true
		view.MouseWheelDelta = 3

		m.cols[i] = &column{
			pane:  p,
			snap:  p.Snapshot(),
			input: input,
			view:  view,
			live:  true,
		}
	}
	m.cols[0].input.Focus()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		waitForUpdate(0, m.cols[0].pane),
		waitForUpdate(1, m.cols[1].pane),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		for _, col := range m.cols {
			m.refresh(col)
		}

	case paneUpdatedMsg:
		col := m.cols[msg.side]
		col.snap = col.pane.Snapshot()
		m.refresh(col)
		cmds = append(cmds, waitForUpdate(msg.side, col.pane))

	case paneStoppedMsg:
		col := m.cols[msg.side]
		col.live = false
		col.snap = col.pane.Snapshot()
		m.refresh(col)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
		for _, col := range m.cols {
			if col.snap.Pending {
				m.refresh(col)
			}
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		col := m.cols[m.focus]
		col.view, cmd = col.view.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Focus):
			m.cols[m.focus].input.Blur()
			m.focus = 1 - m.focus
			cmds = append(cmds, m.cols[m.focus].input.Focus())
			return m, tea.Batch(cmds...)
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.resize()
			return m, nil
		case key.Matches(msg, m.keys.PageUp):
			m.cols[m.focus].view.PageUp()
			return m, nil
		case key.Matches(msg, m.keys.PageDown):
			m.cols[m.focus].view.PageDown()
			return m, nil
		case key.Matches(msg, m.keys.Submit):
			col := m.cols[m.focus]
			// The draft was already forwarded keystroke by keystroke, so
			// the pane submits exactly what was typed.
			col.pane.SubmitDraft()
			col.input.Reset()
			return m, nil
		}

		col := m.cols[m.focus]
		before := col.input.Value()
		var cmd tea.Cmd
		col.input, cmd = col.input.Update(msg)
		if after := col.input.Value(); after != before {
			col.pane.SetDraft(after)
		}
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		col := m.cols[m.focus]
		col.input, cmd = col.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) columnWidth() int {
	return max(20, m.width/2)
}

func (m *model) resize() {
	m.help.Width = m.width
	inner := m.columnWidth() - 4 // border and padding
	helpHeight := lipgloss.Height(m.help.View(m.keys))
	// column border (2), status line (1), input with its rule (2)
	viewHeight := max(3, m.height-helpHeight-5)
	for _, col := range m.cols {
		col.view.Width = max(10, inner)
		col.view.Height = viewHeight
		col.input.Width = max(10, inner-runewidth.StringWidth(col.input.Prompt)-1)
	}
}

// refresh re-renders a column's transcript from its latest snapshot,
// following the tail if the user had not scrolled away from it
func (m *model) refresh(col *column) {
	follow := col.view.AtBottom() || col.view.TotalLineCount() == 0
	col.view.SetContent(m.transcript(col))
	if follow {
		col.view.GotoBottom()
	}
}

func (m *model) transcript(col *column) string {
	width := max(10, col.view.Width)
	if len(col.snap.Turns) == 0 {
		return m.theme.placeholder.Render(fmt.Sprintf("No messages yet. Say something to %s.", col.pane.Name()))
	}

	var b strings.Builder
	for i, turn := range col.snap.Turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch turn.Role {
		case conversation.RoleUser:
			b.WriteString(m.theme.userLabel.Render("you"))
			b.WriteString("\n")
			b.WriteString(m.theme.userText.Width(width).Render(render.Sanitize(turn.Content)))
		case conversation.RoleAssistant:
			b.WriteString(m.theme.assistant.Render(col.pane.Name()))
			b.WriteString("\n")
			// Already converted to terminal markup by the pane's renderer.
			b.WriteString(turn.Content)
		}
	}
	if col.snap.Pending {
		b.WriteString("\n\n")
		b.WriteString(m.spinner.View())
	}
	return b.String()
}

func (m model) statusLine(col *column, width int) string {
	name := m.theme.title.Render(col.pane.Name())
	status := col.snap.State.String()
	if col.snap.Pending {
		status = m.spinner.View() + " waiting for reply"
	} else if col.snap.Busy {
		status = "receiving"
	}
	line := name + " " + m.theme.state.Render(status)
	if col.snap.Err != nil {
		room := width - lipgloss.Width(line) - 1
		if room > 3 {
			line += " " + m.theme.errText.Render(runewidth.Truncate(col.snap.Err.Error(), room, "…"))
		}
	}
	return line
}

func (m model) View() string {
	if m.width == 0 {
		return "starting..."
	}

	width := m.columnWidth()
	rendered := make([]string, len(m.cols))
	for i, col := range m.cols {
		style := m.theme.column
		if i == m.focus {
			style = m.theme.focusedColumn
		}
		input := col.input.View()
		if !col.live {
			input = m.theme.placeholder.Render("pane stopped")
		}
		body := lipgloss.JoinVertical(lipgloss.Left,
			m.statusLine(col, width-4),
			col.view.View(),
			m.theme.input.Width(width-4).Render(input),
		)
		rendered[i] = style.Width(width - 2).Render(body)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, rendered...),
		m.help.View(m.keys),
	)
}

// Run shows both panes until the user quits
func Run(left, right Pane) error {
	p := tea.NewProgram(newModel(left, right), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run terminal ui: %w", err)
	}
	return nil
}
