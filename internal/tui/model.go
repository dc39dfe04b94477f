package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/session"
)

const (
	sessionLimit = 50
	eventLogSize = 50
)

// Model is the BubbleTea model for the session board.
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    Source
	now    func() time.Time

	width  int
	height int

	health    HealthState
	sessions  map[string]session.JobSession
	zombies   map[string]bool
	eventLog  []events.Event
	lastEvent time.Time

	table     table.Model
	theme     Theme
	hubEvents chan events.Event
	lastError string
}

// New builds a board reading from src. Quitting cancels ctx-derived work.
func New(ctx context.Context, src Source) Model {
	ctx, cancel := context.WithCancel(ctx)
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Session", Width: 12},
			{Title: "Job", Width: 12},
			{Title: "Kind", Width: 10},
			{Title: "Status", Width: 14},
			{Title: "Pct", Width: 4},
			{Title: "Phase", Width: 14},
			{Title: "Idle", Width: 8},
			{Title: "Owner", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	t.SetStyles(tableStyles())

	return Model{
		ctx:       ctx,
		cancel:    cancel,
		src:       src,
		now:       time.Now,
		sessions:  make(map[string]session.JobSession),
		zombies:   make(map[string]bool),
		table:     t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.src, m.hubEvents),
		receiveNextEvent(m.ctx, m.hubEvents),
		fetchHealth(m.ctx, m.src),
		fetchSessions(m.ctx, m.src, sessionLimit),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			return m, fetchSessions(m.ctx, m.src, sessionLimit)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(5, msg.Height/2))

	case tickMsg:
		m.refreshRows()
		return m, tick()

	case eventMsg:
		m.applyEvent(events.Event(msg))
		m.health.Connected = true
		m.lastError = ""
		m.refreshRows()
		return m, receiveNextEvent(m.ctx, m.hubEvents)

	case sessionsMsg:
		for _, s := range msg {
			m.sessions[s.SessionID] = s
		}
		m.trimSessions()
		m.refreshRows()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Store = msg.Store
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = m.now()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.src)()
		})

	case sseDisconnectedMsg:
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// Resync state that changed while disconnected.
		return m, tea.Batch(
			subscribeToEvents(m.ctx, m.src, m.hubEvents),
			fetchSessions(m.ctx, m.src, sessionLimit),
		)

	case errMsg:
		m.lastError = msg.Error()
		m.health.Status = "unreachable"
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.src)()
		})
	}

	return m, nil
}

// applyEvent folds one stream event into board state.
func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.lastEvent = m.now()

	switch e.Type {
	case events.TypeSessionUpdated:
		var s session.JobSession
		if json.Unmarshal(e.Data, &s) != nil || s.SessionID == "" {
			return
		}
		if prev, ok := m.sessions[s.SessionID]; ok && prev.Version > s.Version {
			return
		}
		m.sessions[s.SessionID] = s
		delete(m.zombies, s.SessionID)
		m.trimSessions()
	case events.TypeSessionZombieSuspect:
		var s session.JobSession
		if json.Unmarshal(e.Data, &s) != nil || s.SessionID == "" {
			return
		}
		m.zombies[s.SessionID] = true
		if _, ok := m.sessions[s.SessionID]; !ok {
			m.sessions[s.SessionID] = s
		}
	}
}

// ordered returns sessions newest first.
func (m Model) ordered() []session.JobSession {
	list := make([]session.JobSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].SessionID < list[j].SessionID
	})
	return list
}

func (m *Model) trimSessions() {
	if len(m.sessions) <= sessionLimit {
		return
	}
	for _, s := range m.ordered()[sessionLimit:] {
		delete(m.sessions, s.SessionID)
		delete(m.zombies, s.SessionID)
	}
}

func (m *Model) refreshRows() {
	now := m.now()
	list := m.ordered()
	rows := make([]table.Row, 0, len(list))
	for _, s := range list {
		rows = append(rows, table.Row{
			statusIcon(s.Status, m.zombies[s.SessionID]),
			short(s.SessionID, 12),
			short(s.ExternalJobID, 12),
			string(s.Kind),
			string(s.Status),
			fmt.Sprintf("%3d%%", s.ProgressPercent),
			short(s.Phase, 14),
			idle(s, now),
			short(s.OwnerID, 12),
		})
	}
	m.table.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to jobgate..."
	}

	header := renderHeader(m.health, len(m.sessions), len(m.zombies), m.lastEvent, m.now(), m.theme, m.width)
	board := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("SESSIONS"),
		m.table.View(),
	))
	stream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, board, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit • [↑/↓] Select • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func statusIcon(s session.Status, zombie bool) string {
	if zombie && !s.Terminal() {
		return "☠"
	}
	switch s {
	case session.StatusRunning:
		return "▶"
	case session.StatusCompleted:
		return "✓"
	case session.StatusFailed:
		return "✗"
	case session.StatusForceClosed:
		return "⊘"
	case session.StatusZombieSuspect:
		return "☠"
	}
	return "…"
}

func idle(s session.JobSession, now time.Time) string {
	if s.Status.Terminal() {
		return "-"
	}
	last := s.CreatedAt
	if s.LastHeartbeatAt != nil {
		last = *s.LastHeartbeatAt
	}
	if last.IsZero() {
		return "-"
	}
	return formatDuration(now.Sub(last))
}

func short(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
