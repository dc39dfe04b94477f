package api

import (
	"encoding/json"
	"time"

	"github.com/scoutdesk/jobgate/internal/session"
)

// SubmitRequest is the JSON body for POST /v1/submissions. OwnerID defaults
// to the token's bound owner.
type SubmitRequest struct {
	RequestKey string          `json:"requestKey"`
	OwnerID    string          `json:"ownerId,omitempty"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// Submission statuses.
const (
	StatusDispatched = "dispatched"
	StatusProcessing = "processing"
	StatusDuplicate  = "duplicate"
)

// SubmitResponse is returned for every non-error submission outcome.
type SubmitResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"jobId,omitempty"`
	ExistingJobID string `json:"existingJobId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	// ExistingKey names the in-flight request that carries the same payload.
	ExistingKey string `json:"existingKey,omitempty"`
}

// SubmissionStatusResponse is returned by GET /v1/submissions/{requestKey}.
type SubmissionStatusResponse struct {
	RequestKey string    `json:"requestKey"`
	OwnerID    string    `json:"ownerId"`
	Status     string    `json:"status"`
	JobID      string    `json:"jobId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SessionListResponse is returned by GET /v1/sessions and GET /v1/zombies.
type SessionListResponse struct {
	Sessions []session.JobSession `json:"sessions"`
}

// ForceCloseRequest is the optional body for the admin force-close endpoint.
type ForceCloseRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Store         string `json:"store"`
}
