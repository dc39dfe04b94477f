package webhook

import (
	"context"

	"github.com/scoutdesk/jobgate/internal/session"
)

// Ingestor applies decoded events.
type Ingestor interface {
	ApplyEvent(ctx context.Context, ev session.Event) (*session.JobSession, bool, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen string
	// Path is the single callback path, e.g. "/webhook/worker".
	Path string
	// Secret is the pre-shared secret the worker echoes back.
	Secret string
	// SecretHeader carries Secret on every request.
	SecretHeader string
	// SignatureHeader, when set, must carry an HMAC-SHA256 of the body keyed
	// with Secret ("sha256=<hex>" or plain hex).
	SignatureHeader string
	MaxBodySize     int64
}

// IngestResponse is the JSON response for accepted callbacks.
type IngestResponse struct {
	Status        string         `json:"status"`
	SessionID     string         `json:"sessionId,omitempty"`
	SessionStatus session.Status `json:"sessionStatus,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize  = 1048576 // 1 MB
	DefaultSecretHeader = "X-Webhook-Secret"
	DefaultPath         = "/webhook/worker"
)

// Response statuses.
const (
	StatusApplied = "applied"
	StatusIgnored = "ignored"
)
