// Package worker is the outbound transport to the external job worker.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scoutdesk/jobgate/internal/config"
)

// ErrCancelUnsupported is returned by Cancel when no cancel endpoint is set.
var ErrCancelUnsupported = errors.New("worker cancel endpoint not configured")

// StatusError is a non-success HTTP response from the worker.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("worker returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("worker returned HTTP %d: %s", e.StatusCode, e.Body)
}

// SubmitRequest is the body posted to the worker.
type SubmitRequest struct {
	SessionID      string          `json:"sessionId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	CallbackURL    string          `json:"callbackUrl"`
	CallbackSecret string          `json:"callbackSecret"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type cancelRequest struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// Client calls the worker's submit and cancel endpoints.
type Client struct {
	endpoint       string
	cancelEndpoint string
	callbackURL    string
	callbackSecret string
	timeout        time.Duration
	http           *http.Client
}

// New builds a Client. callbackSecret is the webhook secret the worker must
// echo back on every callback.
func New(cfg config.WorkerConfig, callbackSecret string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:       cfg.Endpoint,
		cancelEndpoint: cfg.CancelEndpoint,
		callbackURL:    cfg.CallbackURL,
		callbackSecret: callbackSecret,
		timeout:        timeout,
		http:           &http.Client{},
	}
}

// Submit starts a job and returns the worker's job id. The call is bounded
// by the configured timeout regardless of ctx.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.callbackURL
	}
	if req.CallbackSecret == "" {
		req.CallbackSecret = c.callbackSecret
	}

	var resp submitResponse
	if err := c.post(ctx, c.endpoint, req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return "", errors.New("worker accepted the job without a job id")
	}
	return resp.JobID, nil
}

// Cancel asks the worker to stop a job. Best effort: callers log failures.
func (c *Client) Cancel(ctx context.Context, externalJobID, reason string) error {
	if c.cancelEndpoint == "" {
		return ErrCancelUnsupported
	}
	return c.post(ctx, c.cancelEndpoint, cancelRequest{JobID: externalJobID, Reason: reason}, nil)
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode worker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call worker: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
