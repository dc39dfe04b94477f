package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scoutdesk/jobgate/internal/storage"
)

// Registry persists JobSessions in the job_sessions table.
type Registry struct {
	db      *storage.DB
	logSize int
	now     func() time.Time
	logger  *slog.Logger
}

// Options tune a Registry.
type Options struct {
	ActivityLogSize int
	Now             func() time.Time
	Logger          *slog.Logger
}

func NewRegistry(db *storage.DB, opts Options) *Registry {
	r := &Registry{db: db, logSize: opts.ActivityLogSize, now: opts.Now, logger: opts.Logger}
	if r.logSize <= 0 {
		r.logSize = DefaultActivityLogSize
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// CreateRequest describes a newly admitted submission.
type CreateRequest struct {
	SessionID string
	Kind      Kind
	OwnerID   string
	Config    json.RawMessage
}

// Filter narrows ListRecent. Zero values match everything.
type Filter struct {
	Status  Status
	Kind    Kind
	OwnerID string
}

const sessionColumns = `session_id, external_job_id, kind, owner_id, status, progress_percent, phase,
  counters, activity_log, config, error_message, last_heartbeat_at, started_at, completed_at,
  created_at, updated_at, version`

// CreatePending inserts a Pending session. If a worker callback already
// created the row, the admission metadata fills in whatever is still empty.
func (r *Registry) CreatePending(ctx context.Context, req CreateRequest) (*JobSession, error) {
	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	cfg := string(req.Config)
	if strings.TrimSpace(cfg) == "" {
		cfg = "{}"
	}
	nowMs := r.now().UnixMilli()

	_, err := r.db.Exec(ctx, `
INSERT INTO job_sessions (session_id, kind, owner_id, status, config, created_at, updated_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (session_id) DO UPDATE SET
  kind = CASE WHEN job_sessions.kind = '' THEN excluded.kind ELSE job_sessions.kind END,
  owner_id = CASE WHEN job_sessions.owner_id = '' THEN excluded.owner_id ELSE job_sessions.owner_id END,
  config = CASE WHEN job_sessions.config = '{}' THEN excluded.config ELSE job_sessions.config END,
  version = job_sessions.version + 1`,
		req.SessionID, string(req.Kind), req.OwnerID, string(StatusPending), cfg, nowMs, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", req.SessionID, err)
	}
	return r.Get(ctx, req.SessionID)
}

// ApplyEvent upserts the session if the callback raced its creation, then
// folds the event in. changed is false for events on terminal sessions.
// Late callbacks for a pruned session return ErrPruned instead of
// recreating it.
func (r *Registry) ApplyEvent(ctx context.Context, ev Event) (*JobSession, bool, error) {
	if ev.SessionID == "" {
		return nil, false, fmt.Errorf("%w: sessionId is required", ErrInvalidEvent)
	}
	pruned, err := r.isPruned(ctx, ev.SessionID)
	if err != nil {
		return nil, false, err
	}
	if pruned {
		return nil, false, fmt.Errorf("%s: %w", ev.SessionID, ErrPruned)
	}
	nowMs := r.now().UnixMilli()
	if _, err := r.db.Exec(ctx, `
INSERT INTO job_sessions (session_id, status, created_at, updated_at, version)
VALUES (?, ?, ?, ?, 0)
ON CONFLICT (session_id) DO NOTHING`,
		ev.SessionID, string(StatusPending), nowMs, nowMs,
	); err != nil {
		return nil, false, fmt.Errorf("upsert session %s: %w", ev.SessionID, err)
	}

	return r.update(ctx, ev.SessionID, func(cur JobSession, now time.Time) (JobSession, bool) {
		return Apply(cur, ev, now, r.logSize)
	})
}

// ForceClose marks a non-terminal session ForceClosed. On a terminal
// session it returns the unchanged session and changed=false.
func (r *Registry) ForceClose(ctx context.Context, sessionID, reason string) (*JobSession, bool, error) {
	return r.update(ctx, sessionID, func(cur JobSession, now time.Time) (JobSession, bool) {
		return ForceClose(cur, reason, now, r.logSize)
	})
}

// update runs a read-modify-write guarded by the version column, retrying
// on version conflicts and transient store errors.
func (r *Registry) update(ctx context.Context, sessionID string, fn func(JobSession, time.Time) (JobSession, bool)) (*JobSession, bool, error) {
	var (
		result  *JobSession
		changed bool
	)
	op := func() error {
		cur, err := r.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			return r.classify(err)
		}
		next, ok := fn(*cur, r.now().Truncate(time.Millisecond))
		if !ok {
			result, changed = cur, false
			return nil
		}
		if err := r.write(ctx, cur.Version, &next); err != nil {
			return r.classify(err)
		}
		result, changed = &next, true
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 16), ctx))
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (r *Registry) classify(err error) error {
	if errors.Is(err, ErrConcurrentUpdate) || storage.IsTransient(err) {
		r.logger.Debug("retrying session update", "error", err)
		return err
	}
	return backoff.Permanent(err)
}

func (r *Registry) write(ctx context.Context, version int64, s *JobSession) error {
	counters, err := json.Marshal(s.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	activity, err := json.Marshal(s.ActivityLog)
	if err != nil {
		return fmt.Errorf("encode activity log: %w", err)
	}

	res, err := r.db.Exec(ctx, `
UPDATE job_sessions SET
  external_job_id = ?, status = ?, progress_percent = ?, phase = ?, counters = ?,
  activity_log = ?, error_message = ?, last_heartbeat_at = ?, started_at = ?,
  completed_at = ?, updated_at = ?, version = version + 1
WHERE session_id = ? AND version = ?`,
		nullString(s.ExternalJobID), string(s.Status), s.ProgressPercent, s.Phase, string(counters),
		string(activity), nullString(s.ErrorMessage), nullMillis(s.LastHeartbeatAt), nullMillis(s.StartedAt),
		nullMillis(s.CompletedAt), s.UpdatedAt.UnixMilli(),
		s.SessionID, version,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: rows affected: %w", s.SessionID, err)
	}
	if n != 1 {
		return ErrConcurrentUpdate
	}
	s.Version = version + 1
	return nil
}

// SetExternalJobID records the worker's job id once.
func (r *Registry) SetExternalJobID(ctx context.Context, sessionID, externalJobID string) error {
	_, err := r.db.Exec(ctx, `
UPDATE job_sessions SET external_job_id = ?, updated_at = ?, version = version + 1
WHERE session_id = ? AND (external_job_id IS NULL OR external_job_id = '')`,
		externalJobID, r.now().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set external job id on %s: %w", sessionID, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, sessionID string) (*JobSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM job_sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return s, nil
}

// ListRecent returns sessions ordered by most recent update.
func (r *Registry) ListRecent(ctx context.Context, limit int, f Filter) ([]JobSession, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	q := `SELECT ` + sessionColumns + ` FROM job_sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY updated_at DESC, session_id ASC LIMIT ?`
	args = append(args, limit)

	return r.query(ctx, q, args...)
}

// ListStale returns running sessions whose last heartbeat is before cutoff.
func (r *Registry) ListStale(ctx context.Context, cutoff time.Time) ([]JobSession, error) {
	return r.query(ctx, `SELECT `+sessionColumns+` FROM job_sessions
WHERE status = ? AND COALESCE(last_heartbeat_at, started_at, created_at) < ?
ORDER BY COALESCE(last_heartbeat_at, started_at, created_at) ASC`,
		string(StatusRunning), cutoff.UnixMilli(),
	)
}

// PruneTerminal deletes terminal sessions last updated before cutoff and
// leaves a tombstone for each so late callbacks cannot resurrect them.
// Tombstones older than cutoff are dropped in the same pass.
func (r *Registry) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	nowMs := r.now().UnixMilli()
	terminal := []any{string(StatusCompleted), string(StatusFailed), string(StatusForceClosed), before.UnixMilli()}

	if _, err := r.db.Exec(ctx, `DELETE FROM pruned_sessions WHERE pruned_at < ?`, before.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune tombstones: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
INSERT INTO pruned_sessions (session_id, pruned_at)
SELECT session_id, CAST(? AS BIGINT) FROM job_sessions WHERE status IN (?, ?, ?) AND updated_at < ?
ON CONFLICT (session_id) DO NOTHING`,
		append([]any{nowMs}, terminal...)...,
	); err != nil {
		return 0, fmt.Errorf("record tombstones: %w", err)
	}
	res, err := r.db.Exec(ctx, `DELETE FROM job_sessions WHERE status IN (?, ?, ?) AND updated_at < ?`, terminal...)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *Registry) isPruned(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM pruned_sessions WHERE session_id = ?`, sessionID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check tombstone %s: %w", sessionID, err)
	}
	return true, nil
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]JobSession, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []JobSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*JobSession, error) {
	var (
		s                            JobSession
		kind, status                 string
		jobID, errMsg                sql.NullString
		counters, activity, cfg      string
		heartbeat, started, finished sql.NullInt64
		created, updated             int64
	)
	if err := row.Scan(&s.SessionID, &jobID, &kind, &s.OwnerID, &status, &s.ProgressPercent, &s.Phase,
		&counters, &activity, &cfg, &errMsg, &heartbeat, &started, &finished,
		&created, &updated, &s.Version); err != nil {
		return nil, err
	}
	s.ExternalJobID = jobID.String
	s.Kind = Kind(kind)
	s.Status = Status(status)
	s.ErrorMessage = errMsg.String
	s.Counters = map[string]int64{}
	if err := json.Unmarshal([]byte(counters), &s.Counters); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	if err := json.Unmarshal([]byte(activity), &s.ActivityLog); err != nil {
		return nil, fmt.Errorf("decode activity log: %w", err)
	}
	if s.ActivityLog == nil {
		s.ActivityLog = []ActivityEntry{}
	}
	if cfg != "" && cfg != "{}" {
		s.Config = json.RawMessage(cfg)
	}
	s.LastHeartbeatAt = fromMillis(heartbeat)
	s.StartedAt = fromMillis(started)
	s.CompletedAt = fromMillis(finished)
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return &s, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
