package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pending(id string) JobSession {
	return JobSession{
		SessionID:   id,
		Status:      StatusPending,
		Counters:    map[string]int64{},
		ActivityLog: []ActivityEntry{},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func progress(pct float64, phase string, counters map[string]int64) Event {
	return Event{Kind: EventProgress, SessionID: "s1", Progress: &ProgressData{Percent: &pct, Phase: phase, Counters: counters}}
}

func TestApplyStarted(t *testing.T) {
	s, changed := Apply(pending("s1"), Event{
		Kind:          EventStarted,
		SessionID:     "s1",
		ExternalJobID: "J1",
		Started:       &StartedData{Phase: "searching"},
	}, t0.Add(time.Second), 10)

	require.True(t, changed)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, "searching", s.Phase)
	assert.Equal(t, "J1", s.ExternalJobID)
	require.NotNil(t, s.StartedAt)
	require.NotNil(t, s.LastHeartbeatAt)
	assert.True(t, s.LastHeartbeatAt.Equal(t0.Add(time.Second)))
	require.Len(t, s.ActivityLog, 1)
	assert.Equal(t, "started (searching)", s.ActivityLog[0].Message)
}

func TestApplyProgressIsMonotonic(t *testing.T) {
	s := pending("s1")
	now := t0
	for _, pct := range []float64{10, 40, 40, 25, 70, 70, 55} {
		now = now.Add(time.Second)
		s, _ = Apply(s, progress(pct, "", nil), now, 10)
	}
	assert.Equal(t, 70, s.ProgressPercent)
	assert.Equal(t, StatusRunning, s.Status, "progress promotes a pending session")
}

func TestApplyProgressClamps(t *testing.T) {
	s, _ := Apply(pending("s1"), progress(250, "", nil), t0, 10)
	assert.Equal(t, 100, s.ProgressPercent)

	s, _ = Apply(pending("s2"), progress(-5, "", nil), t0, 10)
	assert.Equal(t, 0, s.ProgressPercent)
}

func TestApplyCountersNeverDecrease(t *testing.T) {
	s := pending("s1")
	s, _ = Apply(s, progress(10, "", map[string]int64{"examined": 5, "found": 2}), t0, 10)
	s, _ = Apply(s, progress(20, "", map[string]int64{"examined": 3, "discarded": 1}), t0, 10)

	assert.Equal(t, map[string]int64{"examined": 5, "found": 2, "discarded": 1}, s.Counters)
}

func TestApplyItemDecision(t *testing.T) {
	s := pending("s1")
	for _, d := range []string{DecisionApproved, DecisionDiscarded, DecisionApproved} {
		s, _ = Apply(s, Event{
			Kind:      EventItemDecision,
			SessionID: "s1",
			Item:      &ItemDecisionData{Decision: d, Item: "Acme Robotics"},
		}, t0, 10)
	}
	assert.EqualValues(t, 2, s.Counters[CounterApproved])
	assert.EqualValues(t, 1, s.Counters[CounterDiscarded])
	assert.Equal(t, "approved: Acme Robotics", s.ActivityLog[0].Message)
}

func TestApplyNonCriticalError(t *testing.T) {
	s, _ := Apply(pending("s1"), Event{Kind: EventStarted, SessionID: "s1"}, t0, 10)
	s, changed := Apply(s, Event{Kind: EventError, SessionID: "s1", Error: &ErrorData{Message: "rate limited"}}, t0.Add(time.Minute), 10)

	require.True(t, changed)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Empty(t, s.ErrorMessage)
	assert.Equal(t, "rate limited", s.ActivityLog[0].Message)
	assert.True(t, s.LastHeartbeatAt.Equal(t0.Add(time.Minute)))
}

func TestApplyCriticalErrorIsTerminal(t *testing.T) {
	s, _ := Apply(pending("s1"), Event{Kind: EventStarted, SessionID: "s1"}, t0, 10)
	s, _ = Apply(s, Event{Kind: EventError, SessionID: "s1", Error: &ErrorData{Message: "search backend down", Critical: true}}, t0, 10)

	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "search backend down", s.ErrorMessage)
	require.NotNil(t, s.CompletedAt)

	after, changed := Apply(s, Event{Kind: EventCompleted, SessionID: "s1"}, t0.Add(time.Hour), 10)
	assert.False(t, changed)
	assert.Equal(t, s, after)
}

func TestApplyCompletedReplayIsNoop(t *testing.T) {
	s, _ := Apply(pending("s1"), progress(35, "screening", nil), t0, 10)
	done := Event{Kind: EventCompleted, SessionID: "s1", Completed: &CompletedData{Counters: map[string]int64{"found": 12}}}

	first, changed := Apply(s, done, t0.Add(time.Minute), 10)
	require.True(t, changed)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, 100, first.ProgressPercent)
	assert.EqualValues(t, 12, first.Counters["found"])

	second, changed := Apply(first, done, t0.Add(2*time.Minute), 10)
	assert.False(t, changed)
	assert.Equal(t, first, second)
}

func TestApplyTerminalRejectsEveryKind(t *testing.T) {
	pct := 10.0
	events := []Event{
		{Kind: EventStarted, SessionID: "s1"},
		{Kind: EventProgress, SessionID: "s1", Progress: &ProgressData{Percent: &pct}},
		{Kind: EventItemDecision, SessionID: "s1", Item: &ItemDecisionData{Decision: DecisionApproved}},
		{Kind: EventError, SessionID: "s1", Error: &ErrorData{Critical: true}},
		{Kind: EventCompleted, SessionID: "s1"},
	}
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusForceClosed} {
		s := pending("s1")
		s.Status = status
		for _, ev := range events {
			got, changed := Apply(s, ev, t0, 10)
			assert.False(t, changed, "%s after %s", ev.Kind, status)
			assert.Equal(t, status, got.Status)
		}
	}
}

func TestApplyExternalJobIDSetOnce(t *testing.T) {
	s, _ := Apply(pending("s1"), Event{Kind: EventStarted, SessionID: "s1", ExternalJobID: "J1"}, t0, 10)
	s, _ = Apply(s, Event{Kind: EventStarted, SessionID: "s1", ExternalJobID: "J2"}, t0, 10)
	assert.Equal(t, "J1", s.ExternalJobID)
}

func TestActivityLogIsBounded(t *testing.T) {
	s := pending("s1")
	for i := range 8 {
		s, _ = Apply(s, Event{Kind: EventError, SessionID: "s1", Error: &ErrorData{Message: string(rune('a' + i))}}, t0, 3)
	}
	require.Len(t, s.ActivityLog, 3)
	assert.Equal(t, "h", s.ActivityLog[0].Message, "newest first")
	assert.Equal(t, "f", s.ActivityLog[2].Message)
}

func TestApplyDoesNotAliasInput(t *testing.T) {
	s := pending("s1")
	s.Counters["found"] = 1
	_, _ = Apply(s, progress(10, "", map[string]int64{"found": 9}), t0, 10)
	assert.EqualValues(t, 1, s.Counters["found"])
	assert.Empty(t, s.ActivityLog)
}

func TestForceClose(t *testing.T) {
	s, _ := Apply(pending("s1"), Event{Kind: EventStarted, SessionID: "s1"}, t0, 10)

	closed, changed := ForceClose(s, "stuck for an hour", t0.Add(time.Hour), 10)
	require.True(t, changed)
	assert.Equal(t, StatusForceClosed, closed.Status)
	assert.Equal(t, "force-closed by operator: stuck for an hour", closed.ErrorMessage)
	require.NotNil(t, closed.CompletedAt)

	again, changed := ForceClose(closed, "again", t0.Add(2*time.Hour), 10)
	assert.False(t, changed)
	assert.Equal(t, closed, again)
}

func TestIsZombie(t *testing.T) {
	cutoff := t0.Add(10 * time.Minute)
	beat := func(d time.Duration) *time.Time { v := t0.Add(d); return &v }

	tests := []struct {
		name string
		s    JobSession
		want bool
	}{
		{"stale running", JobSession{Status: StatusRunning, LastHeartbeatAt: beat(time.Minute)}, true},
		{"fresh running", JobSession{Status: StatusRunning, LastHeartbeatAt: beat(11 * time.Minute)}, false},
		{"pending ignored", JobSession{Status: StatusPending, CreatedAt: t0}, false},
		{"completed ignored", JobSession{Status: StatusCompleted, LastHeartbeatAt: beat(0)}, false},
		{"running without heartbeat uses start", JobSession{Status: StatusRunning, StartedAt: beat(0)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsZombie(tt.s, cutoff))
		})
	}
}

func TestParseStatusRejectsDerivedStatus(t *testing.T) {
	st, err := ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	_, err = ParseStatus("zombie_suspect")
	assert.ErrorIs(t, err, ErrDerivedStatus)

	_, err = ParseStatus("sleeping")
	assert.Error(t, err)
}

func TestIsZombieIgnoresUnstoredStatus(t *testing.T) {
	s := pending("s1")
	s.Status = StatusZombieSuspect
	assert.False(t, IsZombie(s, t0.Add(time.Hour)), "only stored running sessions are scanned")
}
