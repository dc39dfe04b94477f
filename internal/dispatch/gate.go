package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/scoutdesk/jobgate/internal/config"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/idempotency"
	"github.com/scoutdesk/jobgate/internal/session"
	"github.com/scoutdesk/jobgate/internal/telemetry"
	"github.com/scoutdesk/jobgate/internal/worker"
)

// ErrWorkerUnavailable wraps any failure of the outbound worker call. The
// record is marked failed, so the caller may retry with the same key.
var ErrWorkerUnavailable = errors.New("worker unavailable")

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/scoutdesk/jobgate/internal/dispatch WorkerClient

// WorkerClient starts jobs on the external worker.
type WorkerClient interface {
	Submit(ctx context.Context, req worker.SubmitRequest) (string, error)
}

// SessionStore is the subset of session.Registry the gate writes to.
type SessionStore interface {
	CreatePending(ctx context.Context, req session.CreateRequest) (*session.JobSession, error)
	ApplyEvent(ctx context.Context, ev session.Event) (*session.JobSession, bool, error)
	SetExternalJobID(ctx context.Context, sessionID, externalJobID string) error
}

// Limiter is an optional per-owner admission limit.
type Limiter interface {
	Allow(ctx context.Context, owner string) (bool, float64, error)
}

// Request is one submission.
type Request struct {
	RequestKey string          `json:"requestKey" validate:"required,max=200,printascii"`
	OwnerID    string          `json:"ownerId" validate:"required,max=200"`
	Kind       string          `json:"kind" validate:"required,oneof=research longlist shortlist evaluation report"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// Outcome of a submission.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeProcessing Outcome = "processing"
	OutcomeRejected   Outcome = "rejected"
)

// RejectReason explains OutcomeRejected.
type RejectReason string

const (
	ReasonInvalid     RejectReason = "invalid_request"
	ReasonRateLimited RejectReason = "rate_limited"
	ReasonKeyConflict RejectReason = "key_owned_by_another_owner"
)

// Result is never an error for admission conflicts.
type Result struct {
	Outcome   Outcome
	JobID     string
	SessionID string
	// ExistingKey names the pending request that already carries this payload.
	ExistingKey string
	Reason      RejectReason
	Message     string
}

// Deps are the gate's collaborators. Limiter and Events may be nil.
type Deps struct {
	Store    idempotency.Store
	Sessions SessionStore
	Worker   WorkerClient
	Limiter  Limiter
	Events   events.Publisher
	Logger   *slog.Logger
}

// Gate is safe for concurrent use; all coordination lives in the store.
type Gate struct {
	store    idempotency.Store
	sessions SessionStore
	worker   WorkerClient
	limiter  Limiter
	events   events.Publisher
	logger   *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration
	validate     *validator.Validate
	newID        func() string
}

func New(deps Deps, cfg config.DispatchConfig) *Gate {
	g := &Gate{
		store:        deps.Store,
		sessions:     deps.Sessions,
		worker:       deps.Worker,
		limiter:      deps.Limiter,
		events:       deps.Events,
		logger:       deps.Logger,
		retryInitial: cfg.CompletionRetryInitial,
		retryMax:     cfg.CompletionRetryMax,
		validate:     validator.New(),
		newID:        uuid.NewString,
	}
	if g.events == nil {
		g.events = events.Discard{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.retryInitial <= 0 {
		g.retryInitial = 100 * time.Millisecond
	}
	if g.retryMax <= 0 {
		g.retryMax = 30 * time.Second
	}
	return g
}

// Submit runs one submission attempt. err is non-nil only for worker and
// store failures; conflicts and rejections are Results.
func (g *Gate) Submit(ctx context.Context, req Request) (Result, error) {
	if res, ok := g.reject(ctx, req); ok {
		telemetry.Submissions.WithLabelValues(string(OutcomeRejected)).Inc()
		return res, nil
	}

	fp, err := idempotency.Fingerprint(req.Kind, req.Payload)
	if err != nil {
		return g.rejected(ReasonInvalid, err.Error()), nil
	}
	sessionID := g.newID()
	logger := g.logger.With("request_key", req.RequestKey, "owner_id", req.OwnerID)

	out, err := g.store.TryBegin(ctx, idempotency.BeginRequest{
		RequestKey:  req.RequestKey,
		OwnerID:     req.OwnerID,
		Fingerprint: fp,
		SessionID:   sessionID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("idempotency store: %w", err)
	}

	var res Result
	switch out.Kind {
	case idempotency.OutcomeWon:
		res, err = g.dispatch(ctx, logger, req, sessionID)
		if err != nil {
			telemetry.Submissions.WithLabelValues("worker_failed").Inc()
			return Result{}, err
		}
	case idempotency.OutcomeAlreadyRecorded:
		res = fromRecord(out.Record)
	case idempotency.OutcomeAlreadyPendingSamePayload:
		res = Result{Outcome: OutcomeProcessing, ExistingKey: out.ExistingKey}
		if rec, err := g.store.Get(ctx, out.ExistingKey); err == nil {
			res = fromRecord(rec)
			res.ExistingKey = out.ExistingKey
		}
	case idempotency.OutcomeOwnerMismatch:
		res = g.rejected(ReasonKeyConflict, "request key is owned by another owner")
	default:
		return Result{}, fmt.Errorf("unexpected idempotency outcome %s", out.Kind)
	}

	logger.Debug("submission admitted", "outcome", res.Outcome, "session_id", res.SessionID, "external_job_id", res.JobID)
	telemetry.Submissions.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (g *Gate) reject(ctx context.Context, req Request) (Result, bool) {
	if err := g.validate.Struct(req); err != nil {
		return g.rejected(ReasonInvalid, err.Error()), true
	}
	if !json.Valid(req.Payload) {
		return g.rejected(ReasonInvalid, "payload is not valid JSON"), true
	}
	if g.limiter == nil {
		return Result{}, false
	}
	allowed, _, err := g.limiter.Allow(ctx, req.OwnerID)
	if err != nil {
		// Fail open: the limiter protects the worker, the store protects correctness.
		g.logger.Warn("rate limiter unavailable", "owner_id", req.OwnerID, "error", err)
		return Result{}, false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return g.rejected(ReasonRateLimited, "too many submissions, slow down"), true
	}
	return Result{}, false
}

func (g *Gate) rejected(reason RejectReason, msg string) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason, Message: msg}
}

func fromRecord(rec *idempotency.Record) Result {
	if rec.ExternalJobID != "" {
		return Result{Outcome: OutcomeDuplicate, JobID: rec.ExternalJobID, SessionID: rec.SessionID}
	}
	return Result{Outcome: OutcomeProcessing, SessionID: rec.SessionID}
}

// dispatch runs detached from the caller: once the key is won, a client
// disconnect must not abandon the attempt half way.
func (g *Gate) dispatch(ctx context.Context, logger *slog.Logger, req Request, sessionID string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger = logger.With("session_id", sessionID)

	if _, err := g.sessions.CreatePending(ctx, session.CreateRequest{
		SessionID: sessionID,
		Kind:      session.Kind(req.Kind),
		OwnerID:   req.OwnerID,
		Config:    req.Payload,
	}); err != nil {
		g.failRecord(ctx, logger, req.RequestKey)
		return Result{}, fmt.Errorf("create session: %w", err)
	}

	start := time.Now()
	jobID, err := g.worker.Submit(ctx, worker.SubmitRequest{
		SessionID: sessionID,
		Kind:      req.Kind,
		Payload:   req.Payload,
	})
	telemetry.WorkerCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.WorkerCalls.WithLabelValues("submit", "error").Inc()
		logger.Warn("worker call failed", "error", err)
		g.failRecord(ctx, logger, req.RequestKey)
		g.failSession(ctx, logger, sessionID, err)
		return Result{}, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	telemetry.WorkerCalls.WithLabelValues("submit", "ok").Inc()
	logger = logger.With("external_job_id", jobID)

	if err := g.recordCompletion(ctx, logger, req.RequestKey, jobID); err != nil {
		telemetry.CompletionLost.Inc()
		logger.Error("dispatched job id could not be recorded",
			"alarm", true,
			"error", err,
		)
	}

	if err := g.sessions.SetExternalJobID(ctx, sessionID, jobID); err != nil {
		logger.Warn("failed to link session to job", "error", err)
	}
	g.events.Publish(events.TypeSubmissionDispatched, sessionID, map[string]string{
		"sessionId":  sessionID,
		"requestKey": req.RequestKey,
		"jobId":      jobID,
		"kind":       req.Kind,
	})
	logger.Info("job dispatched")
	return Result{Outcome: OutcomeDispatched, JobID: jobID, SessionID: sessionID}, nil
}

// recordCompletion retries the completion write until it succeeds, hits a
// permanent error, or the retry budget runs out. It ignores caller
// cancellation: the job already exists on the worker.
func (g *Gate) recordCompletion(ctx context.Context, logger *slog.Logger, requestKey, jobID string) error {
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retryInitial
	b.MaxElapsedTime = g.retryMax
	if b.MaxInterval > g.retryMax {
		b.MaxInterval = g.retryMax
	}

	op := func() error {
		err := g.store.Complete(ctx, requestKey, jobID)
		if errors.Is(err, idempotency.ErrJobIDConflict) || errors.Is(err, idempotency.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		telemetry.CompletionRetries.Inc()
		logger.Warn("retrying completion write", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, b, notify)
}

func (g *Gate) failRecord(ctx context.Context, logger *slog.Logger, requestKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.store.Fail(ctx, requestKey); err != nil {
		// The record stays pending until it expires.
		logger.Error("failed to mark submission failed", "error", err)
	}
}

func (g *Gate) failSession(ctx context.Context, logger *slog.Logger, sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s, _, err := g.sessions.ApplyEvent(ctx, session.Event{
		Kind:      session.EventError,
		SessionID: sessionID,
		Error:     &session.ErrorData{Message: "dispatch failed: " + cause.Error(), Critical: true},
	})
	if err != nil {
		logger.Warn("failed to close session after dispatch failure", "error", err)
		return
	}
	g.events.Publish(events.TypeSessionUpdated, sessionID, s)
}
