package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/session"
)

const streamLines = 8

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= streamLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var data struct {
		SessionID     string         `json:"sessionId"`
		Status        session.Status `json:"status"`
		Phase         string         `json:"phase"`
		Progress      int            `json:"progressPercent"`
		RequestKey    string         `json:"requestKey"`
		JobID         string         `json:"jobId"`
		ExternalJobID string         `json:"externalJobId"`
	}
	_ = json.Unmarshal(e.Data, &data)

	style := theme.Dim
	var desc string
	switch e.Type {
	case events.TypeSessionUpdated:
		style = theme.statusStyle(data.Status, false)
		desc = fmt.Sprintf("[%s] %s %d%%", short(e.SessionID, 8), data.Status, data.Progress)
		if data.Phase != "" {
			desc += " " + data.Phase
		}
	case events.TypeSessionZombieSuspect:
		style = theme.statusStyle(data.Status, true)
		desc = fmt.Sprintf("[%s] job %s silent", short(e.SessionID, 8), orDash(data.ExternalJobID))
	case events.TypeSubmissionDispatched:
		style = theme.Running
		desc = fmt.Sprintf("[%s] key %s -> job %s", short(e.SessionID, 8), data.RequestKey, data.JobID)
	default:
		desc = string(e.Data)
		if len(desc) > 60 {
			desc = desc[:60] + "..."
		}
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-22s", e.Type)), desc)
}
