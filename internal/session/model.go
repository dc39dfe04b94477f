// Package session is the authoritative record of every dispatched job's
// lifecycle. Worker callbacks are decoded into Events and folded into a
// JobSession by Apply; Registry persists the result with a conditional
// update on a version column so concurrent deliveries for the same session
// serialize without in-process locks.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle of a job.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusForceClosed   Status = "force_closed"

	// StatusZombieSuspect is derived by the reaper at read time and never
	// stored, so it cannot be used as a list filter.
	StatusZombieSuspect Status = "zombie_suspect"
)

// ErrDerivedStatus rejects filters on a status that is never persisted.
var ErrDerivedStatus = errors.New("status zombie_suspect is computed at scan time; use /v1/zombies")

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusForceClosed:
		return true
	}
	return false
}

// ParseStatus validates a status filter value.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusForceClosed:
		return s, nil
	case StatusZombieSuspect:
		return "", ErrDerivedStatus
	}
	return "", fmt.Errorf("unknown session status %q", v)
}

// Kind is the job family.
type Kind string

const (
	KindResearch   Kind = "research"
	KindLonglist   Kind = "longlist"
	KindShortlist  Kind = "shortlist"
	KindEvaluation Kind = "evaluation"
	KindReport     Kind = "report"
)

// Kinds lists every accepted job family.
var Kinds = []Kind{KindResearch, KindLonglist, KindShortlist, KindEvaluation, KindReport}

func ParseKind(v string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == v {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", v)
}

// ActivityEntry is one line of the bounded activity log.
type ActivityEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// JobSession is the persisted projection of one job.
type JobSession struct {
	SessionID       string           `json:"sessionId"`
	ExternalJobID   string           `json:"externalJobId,omitempty"`
	Kind            Kind             `json:"kind,omitempty"`
	OwnerID         string           `json:"ownerId,omitempty"`
	Status          Status           `json:"status"`
	ProgressPercent int              `json:"progressPercent"`
	Phase           string           `json:"phase,omitempty"`
	Counters        map[string]int64 `json:"counters"`
	ActivityLog     []ActivityEntry  `json:"activityLog"`
	Config          json.RawMessage  `json:"config,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	LastHeartbeatAt *time.Time       `json:"lastHeartbeatAt,omitempty"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	Version         int64            `json:"version"`
}

func (s JobSession) clone() JobSession {
	out := s
	out.Counters = make(map[string]int64, len(s.Counters))
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	out.ActivityLog = append([]ActivityEntry(nil), s.ActivityLog...)
	return out
}

var (
	ErrNotFound         = errors.New("session not found")
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrConcurrentUpdate = errors.New("session changed concurrently")
	ErrPruned           = errors.New("session was pruned")
)
