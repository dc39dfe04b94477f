package session

import (
	"fmt"
	"math"
	"time"
)

// DefaultActivityLogSize caps the activity log when no size is configured.
const DefaultActivityLogSize = 50

// Apply folds ev into s and reports whether anything changed.
//
// Every field update is monotonic or forward-only so that duplicates and
// mild reordering cannot corrupt state: progress never decreases, counters
// merge by maximum, and a terminal session ignores all further events.
func Apply(s JobSession, ev Event, now time.Time, logSize int) (JobSession, bool) {
	if s.Status.Terminal() {
		return s, false
	}
	next := s.clone()
	if next.ExternalJobID == "" && ev.ExternalJobID != "" {
		next.ExternalJobID = ev.ExternalJobID
	}
	at := now
	next.LastHeartbeatAt = &at
	next.UpdatedAt = now

	switch ev.Kind {
	case EventStarted:
		d := valueOr(ev.Started)
		next.markRunning(now)
		if d.Phase != "" {
			next.Phase = d.Phase
		}
		next.appendActivity(now, "started", firstNonEmpty(d.Message, phaseMessage("started", d.Phase)), logSize)

	case EventProgress:
		d := valueOr(ev.Progress)
		next.markRunning(now)
		if d.Percent != nil {
			if p := clampPercent(*d.Percent); p > next.ProgressPercent {
				next.ProgressPercent = p
			}
		}
		if d.Phase != "" {
			next.Phase = d.Phase
		}
		next.mergeCounters(d.Counters)
		msg := d.Message
		if msg == "" {
			msg = phaseMessage(fmt.Sprintf("progress %d%%", next.ProgressPercent), d.Phase)
		}
		next.appendActivity(now, "progress", msg, logSize)

	case EventItemDecision:
		d := valueOr(ev.Item)
		next.markRunning(now)
		counter := CounterDiscarded
		if d.Decision == DecisionApproved {
			counter = CounterApproved
		}
		next.Counters[counter]++
		msg := d.Decision
		if d.Item != "" {
			msg += ": " + d.Item
		}
		if d.Reason != "" {
			msg += " (" + d.Reason + ")"
		}
		next.appendActivity(now, "item_decision", msg, logSize)

	case EventError:
		d := valueOr(ev.Error)
		if d.Critical {
			next.Status = StatusFailed
			next.ErrorMessage = firstNonEmpty(d.Message, "worker reported a critical error")
			next.CompletedAt = &at
			next.appendActivity(now, "error", "critical: "+next.ErrorMessage, logSize)
			break
		}
		next.appendActivity(now, "error", firstNonEmpty(d.Message, "worker reported an error"), logSize)

	case EventCompleted:
		d := valueOr(ev.Completed)
		if next.StartedAt == nil {
			next.StartedAt = &at
		}
		next.Status = StatusCompleted
		next.ProgressPercent = 100
		next.CompletedAt = &at
		next.mergeCounters(d.Counters)
		next.appendActivity(now, "completed", firstNonEmpty(d.Summary, "completed"), logSize)

	default:
		return s, false
	}
	return next, true
}

// ForceClose moves a non-terminal session to ForceClosed. A terminal
// session is returned unchanged.
func ForceClose(s JobSession, reason string, now time.Time, logSize int) (JobSession, bool) {
	if s.Status.Terminal() {
		return s, false
	}
	next := s.clone()
	at := now
	next.Status = StatusForceClosed
	next.ErrorMessage = ForceCloseMessage(reason)
	next.CompletedAt = &at
	next.UpdatedAt = now
	next.appendActivity(now, "force_close", next.ErrorMessage, logSize)
	return next, true
}

// ForceCloseMessage is the synthetic error recorded on operator termination.
func ForceCloseMessage(reason string) string {
	if reason == "" {
		reason = "no reason given"
	}
	return "force-closed by operator: " + reason
}

// IsZombie reports whether s is a running session whose last heartbeat is
// older than cutoff.
func IsZombie(s JobSession, cutoff time.Time) bool {
	if s.Status != StatusRunning {
		return false
	}
	last := s.LastHeartbeatAt
	if last == nil {
		last = s.StartedAt
	}
	if last == nil {
		return s.CreatedAt.Before(cutoff)
	}
	return last.Before(cutoff)
}

func (s *JobSession) markRunning(now time.Time) {
	if s.Status == StatusPending {
		s.Status = StatusRunning
	}
	if s.StartedAt == nil {
		at := now
		s.StartedAt = &at
	}
}

func (s *JobSession) mergeCounters(in map[string]int64) {
	for k, v := range in {
		if v > s.Counters[k] {
			s.Counters[k] = v
		}
	}
}

func (s *JobSession) appendActivity(now time.Time, kind, msg string, size int) {
	if size <= 0 {
		size = DefaultActivityLogSize
	}
	entry := ActivityEntry{At: now, Kind: kind, Message: msg}
	log := make([]ActivityEntry, 0, min(len(s.ActivityLog)+1, size))
	log = append(log, entry)
	for _, e := range s.ActivityLog {
		if len(log) == size {
			break
		}
		log = append(log, e)
	}
	s.ActivityLog = log
}

func clampPercent(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}

func valueOr[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

func phaseMessage(prefix, phase string) string {
	if phase == "" {
		return prefix
	}
	return prefix + " (" + phase + ")"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
