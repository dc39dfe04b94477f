package reaper

import (
	"context"
	"time"

	"github.com/scoutdesk/jobgate/internal/session"
)

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks github.com/scoutdesk/jobgate/internal/reaper SessionRegistry

// SessionRegistry is the subset of session.Registry the reaper needs.
type SessionRegistry interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]session.JobSession, error)
	ForceClose(ctx context.Context, sessionID, reason string) (*session.JobSession, bool, error)
	PruneTerminal(ctx context.Context, before time.Time) (int64, error)
}

// RecordPurger drops expired idempotency records.
type RecordPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Canceller notifies the worker that a job should stop.
type Canceller interface {
	Cancel(ctx context.Context, externalJobID, reason string) error
}
