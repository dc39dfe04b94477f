package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/scoutdesk/jobgate/internal/api"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/session"
)

// Source is the slice of the API client the board reads from.
type Source interface {
	Health(ctx context.Context) (*api.HealthzResponse, error)
	Sessions(ctx context.Context, f session.Filter, limit int) ([]session.JobSession, error)
	Watch(ctx context.Context, sessionID string, fn func(events.Event)) error
}

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type sessionsMsg []session.JobSession

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams events into ch until the connection drops.
func subscribeToEvents(ctx context.Context, src Source, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := src.Watch(ctx, "", func(e events.Event) {
			if e.At.IsZero() {
				e.At = time.Now()
			}
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		})
		return sseDisconnectedMsg{err: err}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ctx context.Context, ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-ch:
			return eventMsg(e)
		case <-ctx.Done():
			return nil
		}
	}
}

func fetchHealth(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		h, err := src.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(*h)
	}
}

func fetchSessions(ctx context.Context, src Source, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		list, err := src.Sessions(ctx, session.Filter{}, limit)
		if err != nil {
			return errMsg{err}
		}
		return sessionsMsg(list)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
