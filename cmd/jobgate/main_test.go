package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutdesk/jobgate/internal/api"
	"github.com/scoutdesk/jobgate/internal/config"
	"github.com/scoutdesk/jobgate/internal/lock"
	"github.com/scoutdesk/jobgate/internal/log"
	"github.com/scoutdesk/jobgate/internal/session"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitCommand(t *testing.T) {
	var got api.SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/submissions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{Status: api.StatusDispatched, JobID: "J1", SessionID: "s1"})
	}))
	defer srv.Close()

	payload := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"query":"acme"}`), 0o644))

	out, err := runCLI(t, "--api-url", srv.URL, "--token", "tok",
		"submit", "--key", "k1", "--kind", "research", "--owner", "alice", "--payload", "@"+payload)
	require.NoError(t, err)
	assert.Contains(t, out, `"jobId": "J1"`)
	assert.Equal(t, "k1", got.RequestKey)
	assert.Equal(t, "alice", got.OwnerID)
	assert.JSONEq(t, `{"query":"acme"}`, string(got.Payload))
}

func TestSubmitCommandRequiresKey(t *testing.T) {
	_, err := runCLI(t, "submit", "--kind", "research")
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	raw, err := readPayload(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, err = readPayload(`{not json`)
	assert.Error(t, err)

	_, err = readPayload("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSessionListCommand(t *testing.T) {
	beat := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(api.SessionListResponse{Sessions: []session.JobSession{{
			SessionID:       "s1",
			Status:          session.StatusRunning,
			Kind:            session.KindResearch,
			ProgressPercent: 40,
			LastHeartbeatAt: &beat,
			OwnerID:         "alice",
		}}})
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api-url", srv.URL, "session", "list", "--status", "running")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, " 40%")
	assert.Contains(t, out, "2026-03-01T09:00:00Z")

	_, err = runCLI(t, "--api-url", srv.URL, "session", "list", "--status", "sleeping")
	assert.Error(t, err)
}

func TestSessionInspectCommand(t *testing.T) {
	done := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(session.JobSession{
			SessionID:     "s1",
			ExternalJobID: "J1",
			Status:        session.StatusCompleted,
			CompletedAt:   &done,
			ActivityLog:   []session.ActivityEntry{{At: done, Kind: "completed", Message: "done"}},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api-url", srv.URL, "session", "inspect", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session Report")
	assert.Contains(t, out, "Job ID      : J1")
	assert.Contains(t, out, "completed  done")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "jobgate")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(t.TempDir(), "jobgate.db")
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Auth.APIKey = "admin"
	cfg.Webhook.Listen = "127.0.0.1:0"
	cfg.Webhook.Secret = "s3cret"
	cfg.Worker.Endpoint = "http://127.0.0.1:1/jobs"
	cfg.Reaper.Interval = time.Hour
	return cfg
}

func TestNewAppHoldsSQLiteLock(t *testing.T) {
	cfg := testConfig(t)

	a, err := newApp(context.Background(), cfg, log.Discard())
	require.NoError(t, err)

	_, err = newApp(context.Background(), cfg, log.Discard())
	require.ErrorIs(t, err, lock.ErrHeld)

	a.Close()
	b, err := newApp(context.Background(), cfg, log.Discard())
	require.NoError(t, err)
	b.Close()
}

func TestNewAppRejectsMissingWebhookSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.Secret = ""

	_, err := newApp(context.Background(), cfg, log.Discard())
	require.Error(t, err)

	// The failed build released the lock.
	l, err := lock.Acquire(lock.PathFor(cfg.Store.Path))
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAppRunStopsOnCancel(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), log.Discard())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, time.Hour, bucketTTL(config.RateLimitConfig{Capacity: 10}))
	assert.Equal(t, 41*time.Minute, bucketTTL(config.RateLimitConfig{Capacity: 600, RefillPerSecond: 0.5}))
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
api:
  auth:
    tokens:
      - token: ops
        scopes: [admin]
webhook:
  secret: 0123456789abcdef
worker:
  endpoint: http://worker.local/jobs
  cancel_endpoint: http://worker.local/jobs/cancel
  callback_url: http://gate.local/webhook/worker
`), 0o600))

	out, err := runCLI(t, "--config", good, "check")
	require.NoError(t, err)
	assert.Equal(t, "Configuration valid.\n", out)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("webhook:\n  secret: s\n"), 0o600))

	out, err = runCLI(t, "--config", bad, "check", "--json")
	require.ErrorIs(t, err, errCheckFailed)
	var report struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Category string `json:"category"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}
