package idempotency

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle of the dispatch attempt, not of the job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one submission attempt.
type Record struct {
	RequestKey         string
	OwnerID            string
	PayloadFingerprint string
	Status             Status
	SessionID          string
	ExternalJobID      string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// OutcomeKind classifies the result of TryBegin.
type OutcomeKind int

const (
	// OutcomeWon means the caller inserted the record and must dispatch.
	OutcomeWon OutcomeKind = iota + 1
	// OutcomeAlreadyPendingSamePayload means another key from the same owner
	// with the same fingerprint is still pending.
	OutcomeAlreadyPendingSamePayload
	// OutcomeAlreadyRecorded means the key already has a live record.
	OutcomeAlreadyRecorded
	// OutcomeOwnerMismatch means the key belongs to a different owner.
	OutcomeOwnerMismatch
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeWon:
		return "won"
	case OutcomeAlreadyPendingSamePayload:
		return "already_pending_same_payload"
	case OutcomeAlreadyRecorded:
		return "already_recorded"
	case OutcomeOwnerMismatch:
		return "owner_mismatch"
	default:
		return "unknown"
	}
}

// Outcome is returned by TryBegin.
type Outcome struct {
	Kind OutcomeKind
	// ExistingKey is set for OutcomeAlreadyPendingSamePayload.
	ExistingKey string
	// Record is set for OutcomeAlreadyRecorded.
	Record *Record
}

// BeginRequest describes a submission attempt.
type BeginRequest struct {
	RequestKey  string
	OwnerID     string
	Fingerprint string
	// SessionID is stored with the record so duplicates can find the session.
	SessionID string
}

// Store is implemented by SQLStore and RedisStore.
type Store interface {
	TryBegin(ctx context.Context, req BeginRequest) (Outcome, error)
	// Complete sets the external job id once; repeating it with the same id
	// is a no-op.
	Complete(ctx context.Context, requestKey, externalJobID string) error
	// Fail marks a pending attempt failed so the key can be retried.
	Fail(ctx context.Context, requestKey string) error
	Get(ctx context.Context, requestKey string) (*Record, error)
	// PurgeExpired removes expired records. Only needed for storage hygiene.
	PurgeExpired(ctx context.Context) (int64, error)
}

var (
	ErrNotFound      = errors.New("idempotency record not found")
	ErrJobIDConflict = errors.New("idempotency record already bound to a different external job id")
)

// Options tune a Store.
type Options struct {
	TTL               time.Duration
	FingerprintWindow time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

const maxBeginAttempts = 4

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.FingerprintWindow < 0 {
		o.FingerprintWindow = 0
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// resolveConflict decides what a losing caller sees. clearFailed asks the
// caller to delete the failed record and insert again.
func resolveConflict(req BeginRequest, rec *Record) (out Outcome, clearFailed bool) {
	if rec.OwnerID != req.OwnerID {
		return Outcome{Kind: OutcomeOwnerMismatch}, false
	}
	if rec.ExternalJobID == "" && rec.Status == StatusFailed {
		return Outcome{}, true
	}
	return Outcome{Kind: OutcomeAlreadyRecorded, Record: rec}, false
}
