package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventKind is the tag of a worker callback.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventProgress     EventKind = "progress"
	EventItemDecision EventKind = "itemDecision"
	EventError        EventKind = "error"
	EventCompleted    EventKind = "completed"
)

// Item decisions.
const (
	DecisionApproved  = "approved"
	DecisionDiscarded = "discarded"
)

// Counter names bumped by item decisions.
const (
	CounterApproved  = "items_approved"
	CounterDiscarded = "items_discarded"
)

type StartedData struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

type ProgressData struct {
	// Percent is optional; an event may carry only counters or a phase.
	Percent  *float64         `json:"progressPercent"`
	Phase    string           `json:"phase"`
	Counters map[string]int64 `json:"counters"`
	Message  string           `json:"message"`
}

type ItemDecisionData struct {
	Decision string `json:"decision"`
	Item     string `json:"item"`
	Reason   string `json:"reason"`
}

type ErrorData struct {
	Message  string `json:"message"`
	Critical bool   `json:"critical"`
}

type CompletedData struct {
	Counters map[string]int64 `json:"counters"`
	Summary  string           `json:"summary"`
}

// Event is a decoded callback. Exactly one payload pointer matching Kind is
// set.
type Event struct {
	Kind          EventKind
	SessionID     string
	ExternalJobID string

	Started   *StartedData
	Progress  *ProgressData
	Item      *ItemDecisionData
	Error     *ErrorData
	Completed *CompletedData
}

type envelope struct {
	EventKind     EventKind       `json:"eventKind"`
	SessionID     string          `json:"sessionId"`
	ExternalJobID string          `json:"externalJobId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes a callback body. Unknown kinds return an error wrapping
// ErrUnknownEventKind; everything else malformed wraps ErrInvalidEvent.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.SessionID == "" {
		return Event{}, fmt.Errorf("%w: sessionId is required", ErrInvalidEvent)
	}

	ev := Event{Kind: env.EventKind, SessionID: env.SessionID, ExternalJobID: env.ExternalJobID}
	var err error
	switch env.EventKind {
	case EventStarted:
		ev.Started = &StartedData{}
		err = decodeData(env.Data, ev.Started)
	case EventProgress:
		ev.Progress = &ProgressData{}
		err = decodeData(env.Data, ev.Progress)
	case EventItemDecision:
		ev.Item = &ItemDecisionData{}
		if err = decodeData(env.Data, ev.Item); err == nil {
			switch ev.Item.Decision {
			case DecisionApproved, DecisionDiscarded:
			default:
				err = fmt.Errorf("decision must be %q or %q, got %q", DecisionApproved, DecisionDiscarded, ev.Item.Decision)
			}
		}
	case EventError:
		ev.Error = &ErrorData{}
		err = decodeData(env.Data, ev.Error)
	case EventCompleted:
		ev.Completed = &CompletedData{}
		err = decodeData(env.Data, ev.Completed)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, env.EventKind)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s data: %v", ErrInvalidEvent, env.EventKind, err)
	}
	return ev, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}
