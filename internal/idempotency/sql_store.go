package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scoutdesk/jobgate/internal/storage"
)

// SQLStore keeps records in the idempotency_records table. Atomicity comes
// from the primary key on request_key: INSERT ... ON CONFLICT DO NOTHING
// succeeds for exactly one caller.
type SQLStore struct {
	db   *storage.DB
	opts Options
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *storage.DB, opts Options) *SQLStore {
	return &SQLStore{db: db, opts: opts.withDefaults()}
}

const recordColumns = `request_key, owner_id, payload_fingerprint, status, session_id, external_job_id, created_at, expires_at`

func (s *SQLStore) TryBegin(ctx context.Context, req BeginRequest) (Outcome, error) {
	if req.RequestKey == "" {
		return Outcome{}, errors.New("request key is required")
	}

	for attempt := 0; attempt < maxBeginAttempts; attempt++ {
		now := s.opts.Now()
		nowMs := now.UnixMilli()

		// Expired rows read as absent, so drop ours before inserting.
		if _, err := s.db.Exec(ctx,
			`DELETE FROM idempotency_records WHERE request_key = ? AND expires_at <= ?`,
			req.RequestKey, nowMs,
		); err != nil {
			return Outcome{}, fmt.Errorf("expire %q: %w", req.RequestKey, err)
		}

		if s.opts.FingerprintWindow > 0 && req.Fingerprint != "" {
			existing, err := s.pendingSamePayload(ctx, req, now)
			if err != nil {
				return Outcome{}, err
			}
			if existing != "" {
				_, err := s.Get(ctx, req.RequestKey)
				switch {
				case errors.Is(err, ErrNotFound):
					return Outcome{Kind: OutcomeAlreadyPendingSamePayload, ExistingKey: existing}, nil
				case err != nil:
					return Outcome{}, err
				}
				// The key already has a record; key-based detection wins.
			}
		}

		res, err := s.db.Exec(ctx, `INSERT INTO idempotency_records (
  request_key, owner_id, payload_fingerprint, status, session_id, external_job_id,
  created_at, updated_at, expires_at
) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)
ON CONFLICT (request_key) DO NOTHING`,
			req.RequestKey, req.OwnerID, req.Fingerprint, string(StatusPending), nullString(req.SessionID),
			nowMs, nowMs, now.Add(s.opts.TTL).UnixMilli(),
		)
		if err != nil {
			return Outcome{}, fmt.Errorf("insert %q: %w", req.RequestKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Outcome{}, fmt.Errorf("insert %q: rows affected: %w", req.RequestKey, err)
		}
		if n == 1 {
			return Outcome{Kind: OutcomeWon}, nil
		}

		rec, err := s.Get(ctx, req.RequestKey)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		out, clearFailed := resolveConflict(req, rec)
		if !clearFailed {
			return out, nil
		}
		if _, err := s.db.Exec(ctx,
			`DELETE FROM idempotency_records WHERE request_key = ? AND status = ? AND external_job_id IS NULL`,
			req.RequestKey, string(StatusFailed),
		); err != nil {
			return Outcome{}, fmt.Errorf("clear failed %q: %w", req.RequestKey, err)
		}
	}

	return Outcome{}, fmt.Errorf("try begin %q: record kept changing after %d attempts", req.RequestKey, maxBeginAttempts)
}

func (s *SQLStore) pendingSamePayload(ctx context.Context, req BeginRequest, now time.Time) (string, error) {
	var key string
	err := s.db.QueryRow(ctx, `
SELECT request_key FROM idempotency_records
WHERE owner_id = ? AND payload_fingerprint = ? AND status = ?
  AND created_at >= ? AND expires_at > ? AND request_key <> ?
ORDER BY created_at ASC
LIMIT 1`,
		req.OwnerID, req.Fingerprint, string(StatusPending),
		now.Add(-s.opts.FingerprintWindow).UnixMilli(), now.UnixMilli(), req.RequestKey,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint lookup: %w", err)
	}
	return key, nil
}

func (s *SQLStore) Complete(ctx context.Context, requestKey, externalJobID string) error {
	if externalJobID == "" {
		return errors.New("external job id is required")
	}
	nowMs := s.opts.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
UPDATE idempotency_records
SET status = ?, external_job_id = ?, updated_at = ?
WHERE request_key = ? AND external_job_id IS NULL`,
		string(StatusCompleted), externalJobID, nowMs, requestKey,
	)
	if err != nil {
		return fmt.Errorf("complete %q: %w", requestKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete %q: rows affected: %w", requestKey, err)
	}
	if n == 1 {
		return nil
	}

	rec, err := s.Get(ctx, requestKey)
	if err != nil {
		return err
	}
	if rec.ExternalJobID == externalJobID {
		return nil
	}
	return fmt.Errorf("%w: %q has %q", ErrJobIDConflict, requestKey, rec.ExternalJobID)
}

func (s *SQLStore) Fail(ctx context.Context, requestKey string) error {
	_, err := s.db.Exec(ctx, `
UPDATE idempotency_records
SET status = ?, updated_at = ?
WHERE request_key = ? AND status = ? AND external_job_id IS NULL`,
		string(StatusFailed), s.opts.Now().UnixMilli(), requestKey, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("fail %q: %w", requestKey, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, requestKey string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM idempotency_records WHERE request_key = ? AND expires_at > ?`,
		requestKey, s.opts.Now().UnixMilli(),
	)

	var (
		rec               Record
		status            string
		sessionID, jobID  sql.NullString
		createdMs, expiry int64
	)
	err := row.Scan(&rec.RequestKey, &rec.OwnerID, &rec.PayloadFingerprint, &status, &sessionID, &jobID, &createdMs, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", requestKey, err)
	}
	rec.Status = Status(status)
	rec.SessionID = sessionID.String
	rec.ExternalJobID = jobID.String
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.ExpiresAt = time.UnixMilli(expiry).UTC()
	return &rec, nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, s.opts.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
