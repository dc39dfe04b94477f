package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status        string
	Store         string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, sessions, zombies int, lastEvent, now time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.OK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.Failed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.Failed.Render(strings.ToUpper(health.Status))
	}

	lastEventStr := "never"
	if !lastEvent.IsZero() {
		lastEventStr = formatDuration(now.Sub(lastEvent)) + " ago"
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := " JOBGATE"
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	zombieText := fmt.Sprintf("Zombies: %d", zombies)
	if zombies > 0 {
		zombieText = theme.Zombie.Render(zombieText)
	}
	statsLine := fmt.Sprintf(" %s  store: %s  up %s  Sessions: %d  %s",
		statusText,
		orDash(health.Store),
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		sessions,
		zombieText,
	)
	activityLine := " Last event: " + lastEventStr

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
