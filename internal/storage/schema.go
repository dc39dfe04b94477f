package storage

import (
	"context"
	"fmt"
)

// Timestamps are unix milliseconds so both dialects compare them natively.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_records (
  request_key         TEXT PRIMARY KEY,
  owner_id            TEXT NOT NULL,
  payload_fingerprint TEXT NOT NULL,
  status              TEXT NOT NULL,
  session_id          TEXT,
  external_job_id     TEXT,
  created_at          BIGINT NOT NULL,
  updated_at          BIGINT NOT NULL,
  expires_at          BIGINT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idempotency_owner_fingerprint_idx
  ON idempotency_records(owner_id, payload_fingerprint, status, created_at);`,
	`CREATE INDEX IF NOT EXISTS idempotency_expires_at_idx ON idempotency_records(expires_at);`,
	`CREATE TABLE IF NOT EXISTS job_sessions (
  session_id        TEXT PRIMARY KEY,
  external_job_id   TEXT,
  kind              TEXT NOT NULL DEFAULT '',
  owner_id          TEXT NOT NULL DEFAULT '',
  status            TEXT NOT NULL,
  progress_percent  INTEGER NOT NULL DEFAULT 0,
  phase             TEXT NOT NULL DEFAULT '',
  counters          TEXT NOT NULL DEFAULT '{}',
  activity_log      TEXT NOT NULL DEFAULT '[]',
  config            TEXT NOT NULL DEFAULT '{}',
  error_message     TEXT,
  last_heartbeat_at BIGINT,
  started_at        BIGINT,
  completed_at      BIGINT,
  created_at        BIGINT NOT NULL,
  updated_at        BIGINT NOT NULL,
  version           BIGINT NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS job_sessions_status_heartbeat_idx ON job_sessions(status, last_heartbeat_at);`,
	`CREATE INDEX IF NOT EXISTS job_sessions_updated_at_idx ON job_sessions(updated_at);`,
	`CREATE INDEX IF NOT EXISTS job_sessions_external_job_id_idx ON job_sessions(external_job_id);`,
	`CREATE TABLE IF NOT EXISTS pruned_sessions (
  session_id TEXT PRIMARY KEY,
  pruned_at  BIGINT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS pruned_sessions_pruned_at_idx ON pruned_sessions(pruned_at);`,
}

// Bootstrap creates tables and indexes if missing. The DDL is shared by
// SQLite and Postgres.
func Bootstrap(ctx context.Context, db *DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", db.Dialect, err)
		}
	}
	return nil
}
