// Package client is a Go client for the jobgate API.
//
// Callers told "processing" must not resubmit; SubmitAndWait polls the
// submission status with exponential backoff until a job id is recorded.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scoutdesk/jobgate/internal/api"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/session"
)

// ErrSubmissionFailed means the dispatch attempt failed; the same key may be
// submitted again.
var ErrSubmissionFailed = errors.New("submission failed")

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api: %d %s (%s)", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one jobgate API endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// PollInitial and PollMax bound the wait in SubmitAndWait.
	PollInitial time.Duration
	PollMax     time.Duration
}

// New builds a Client for baseURL authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		http:        &http.Client{},
		PollInitial: 250 * time.Millisecond,
		PollMax:     2 * time.Minute,
	}
}

// Submit sends one submission and returns the API's answer.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (*api.SubmitResponse, error) {
	var out api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/submissions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAndWait submits and, when the answer is "processing", polls the
// submission status until it records a job id. It never resubmits.
func (c *Client) SubmitAndWait(ctx context.Context, req api.SubmitRequest) (string, error) {
	resp, err := c.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case api.StatusDispatched:
		return resp.JobID, nil
	case api.StatusDuplicate:
		return resp.ExistingJobID, nil
	}

	key := req.RequestKey
	if resp.ExistingKey != "" {
		key = resp.ExistingKey
	}
	return c.WaitForJob(ctx, key)
}

// WaitForJob polls a submission until it has a job id or has failed.
func (c *Client) WaitForJob(ctx context.Context, requestKey string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.PollInitial
	b.MaxElapsedTime = c.PollMax

	var jobID string
	op := func() error {
		st, err := c.Submission(ctx, requestKey)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		switch {
		case st.JobID != "":
			jobID = st.JobID
			return nil
		case st.Status == "failed":
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrSubmissionFailed, requestKey))
		default:
			return fmt.Errorf("submission %s still %s", requestKey, st.Status)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return jobID, nil
}

// Submission returns the idempotency status of a request key.
func (c *Client) Submission(ctx context.Context, requestKey string) (*api.SubmissionStatusResponse, error) {
	var out api.SubmissionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/submissions/"+url.PathEscape(requestKey), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session returns one session.
func (c *Client) Session(ctx context.Context, sessionID string) (*session.JobSession, error) {
	var out session.JobSession
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists recent sessions.
func (c *Client) Sessions(ctx context.Context, f session.Filter, limit int) ([]session.JobSession, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if f.OwnerID != "" {
		q.Set("owner", f.OwnerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out api.SessionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Zombies lists zombie suspects. threshold <= 0 uses the server default.
func (c *Client) Zombies(ctx context.Context, threshold time.Duration) ([]session.JobSession, error) {
	path := "/v1/zombies"
	if threshold > 0 {
		path += "?threshold=" + url.QueryEscape(threshold.String())
	}
	var out api.SessionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Health reads /healthz. A degraded server answers 503 and is returned as an
// *APIError.
func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceClose terminates a session (admin token required).
func (c *Client) ForceClose(ctx context.Context, sessionID, reason string) (*session.JobSession, error) {
	var out session.JobSession
	path := "/v1/admin/sessions/" + url.PathEscape(sessionID) + "/force-close"
	if err := c.do(ctx, http.MethodPost, path, api.ForceCloseRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watch streams events until ctx ends or the server closes the stream.
// An empty sessionID watches everything the token may see.
func (c *Client) Watch(ctx context.Context, sessionID string, fn func(events.Event)) error {
	path := "/v1/events"
	if sessionID != "" {
		path += "?session=" + url.QueryEscape(sessionID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				fn(current)
			}
			current = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
			var meta struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(current.Data, &meta) == nil {
				current.SessionID = meta.SessionID
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Reason = body.Reason
		apiErr.Retryable = body.Retryable
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
