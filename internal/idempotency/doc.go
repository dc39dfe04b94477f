// Package idempotency records job-submission attempts so that at most one
// external job is started per logical request.
//
// A submission is keyed by a client-supplied request key. TryBegin performs a
// single atomic insert-or-detect-conflict: under concurrent callers with the
// same key exactly one receives OutcomeWon and is allowed to call the worker.
// Everyone else is told what the winner left behind:
//
//   - a record with an external job id: OutcomeAlreadyRecorded (idempotent hit)
//   - a pending record: OutcomeAlreadyRecorded with Status pending (re-check later)
//   - a failed record: it is deleted and the caller re-attempts transparently
//
// Before the insert a short-window lookup by payload fingerprint catches a
// client that double-submits the same body under two different keys
// (OutcomeAlreadyPendingSamePayload). Key-based detection takes priority: if
// the caller's own key already has a record, the fingerprint hit is ignored.
//
// Records carry an expiry and expired records read as absent. Two backends
// implement Store: SQLStore (SQLite or Postgres, unique primary key) and
// RedisStore (Lua scripts over a hash per key).
package idempotency
