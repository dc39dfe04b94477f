// Package tui is the live session board behind `jobgate top`: a health
// header, a table of recent sessions updated from the event stream, and the
// latest events.
package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/scoutdesk/jobgate/internal/session"
)

// Theme keeps every colour used by the board in one place.
type Theme struct {
	OK      lipgloss.Style
	Running lipgloss.Style
	Failed  lipgloss.Style
	Zombie  lipgloss.Style
	Dim     lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Help   lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Zombie:  lipgloss.NewStyle().Foreground(lipgloss.Color("#C678DD")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Help: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// statusStyle picks the colour for a session status.
func (t Theme) statusStyle(s session.Status, zombie bool) lipgloss.Style {
	switch {
	case zombie:
		return t.Zombie
	case s == session.StatusCompleted:
		return t.OK
	case s == session.StatusFailed, s == session.StatusForceClosed:
		return t.Failed
	case s == session.StatusRunning:
		return t.Running
	}
	return t.Dim
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}
