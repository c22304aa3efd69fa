package tui

import "github.com/charmbracelet/lipgloss"

type theme struct {
	column        lipgloss.Style
	focusedColumn lipgloss.Style
	title         lipgloss.Style
	state         lipgloss.Style
	errText       lipgloss.Style
	userLabel     lipgloss.Style
	userText      lipgloss.Style
	assistant     lipgloss.Style
	input         lipgloss.Style
	placeholder   lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#05d9e8")
	muted := lipgloss.Color("#7a7a8c")
	alert := lipgloss.Color("#ff2a6d")

	column := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(muted).
		Padding(0, 1)

	return theme{
		column:        column,
		focusedColumn: column.BorderForeground(accent),
		title:         lipgloss.NewStyle().Bold(true).Foreground(accent),
		state:         lipgloss.NewStyle().Foreground(muted),
		errText:       lipgloss.NewStyle().Foreground(alert),
		userLabel:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#d1f7ff")),
		userText:      lipgloss.NewStyle(),
		assistant:     lipgloss.NewStyle().Bold(true).Foreground(accent),
		input:         lipgloss.NewStyle().Border(lipgloss.NormalBorder(), true, false, false, false).BorderForeground(muted),
		placeholder:   lipgloss.NewStyle().Foreground(muted).Italic(true),
	}
}
