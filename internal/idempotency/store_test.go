package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scoutdesk/jobgate/internal/storage/storagetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires a Store to a clock. advance moves both the fake clock and,
// for Redis, the server's TTL clock.
type harness struct {
	store   Store
	advance func(time.Duration)
}

type storeFactory func(t *testing.T, opts Options) harness

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T, opts Options) harness {
			clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			opts.Now = clock.Now
			return harness{store: NewSQLStore(storagetest.SQLite(t), opts), advance: clock.Advance}
		},
		"redis": func(t *testing.T, opts Options) harness {
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis: %v", err)
			}
			t.Cleanup(mr.Close)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			opts.Now = clock.Now
			return harness{
				store: NewRedisStore(client, opts),
				advance: func(d time.Duration) {
					clock.Advance(d)
					mr.FastForward(d)
				},
			}
		},
	}
}

func forEachBackend(t *testing.T, opts Options, fn func(t *testing.T, h harness)) {
	t.Helper()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t, opts))
		})
	}
}

var defaultOpts = Options{TTL: 24 * time.Hour, FingerprintWindow: 30 * time.Second}

func begin(key, owner, fp string) BeginRequest {
	return BeginRequest{RequestKey: key, OwnerID: owner, Fingerprint: fp, SessionID: "sess-" + key}
}

func TestTryBeginWinsOnce(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		out, err := h.store.TryBegin(ctx, begin("k1", "u1", "fp1"))
		if err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if out.Kind != OutcomeWon {
			t.Fatalf("first TryBegin = %s, want won", out.Kind)
		}

		out, err = h.store.TryBegin(ctx, begin("k1", "u1", "fp1"))
		if err != nil {
			t.Fatalf("TryBegin again: %v", err)
		}
		if out.Kind != OutcomeAlreadyRecorded || out.Record == nil {
			t.Fatalf("second TryBegin = %+v, want already_recorded", out)
		}
		if out.Record.Status != StatusPending || out.Record.SessionID != "sess-k1" {
			t.Fatalf("unexpected record: %+v", out.Record)
		}
	})
}

func TestTryBeginConcurrentSingleWinner(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()
		const callers = 16

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			won  int
			errs []error
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := h.store.TryBegin(ctx, begin("race", "u1", "fp-race"))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if out.Kind == OutcomeWon {
					won++
				}
			}()
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("TryBegin errors: %v", errs)
		}
		if won != 1 {
			t.Fatalf("winners = %d, want 1", won)
		}
	})
}

func TestCompleteThenDuplicate(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("k1", "u1", "fp1")); err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if err := h.store.Complete(ctx, "k1", "J1"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		// Same id again is a no-op.
		if err := h.store.Complete(ctx, "k1", "J1"); err != nil {
			t.Fatalf("Complete repeat: %v", err)
		}
		if err := h.store.Complete(ctx, "k1", "J2"); !errors.Is(err, ErrJobIDConflict) {
			t.Fatalf("Complete different id err = %v, want ErrJobIDConflict", err)
		}

		out, err := h.store.TryBegin(ctx, begin("k1", "u1", "fp1"))
		if err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if out.Kind != OutcomeAlreadyRecorded || out.Record.ExternalJobID != "J1" {
			t.Fatalf("duplicate outcome = %+v", out)
		}
		if out.Record.Status != StatusCompleted {
			t.Fatalf("status = %s, want completed", out.Record.Status)
		}

		// A failed worker call after completion must not clear the job id.
		if err := h.store.Fail(ctx, "k1"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		rec, err := h.store.Get(ctx, "k1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.ExternalJobID != "J1" || rec.Status != StatusCompleted {
			t.Fatalf("record after Fail = %+v", rec)
		}
	})
}

func TestCompleteMissing(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		if err := h.store.Complete(context.Background(), "nope", "J1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestFailedRecordIsRetryable(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("x", "u1", "fp-x")); err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if err := h.store.Fail(ctx, "x"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		rec, err := h.store.Get(ctx, "x")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != StatusFailed {
			t.Fatalf("status = %s, want failed", rec.Status)
		}

		out, err := h.store.TryBegin(ctx, begin("x", "u1", "fp-x"))
		if err != nil {
			t.Fatalf("TryBegin retry: %v", err)
		}
		if out.Kind != OutcomeWon {
			t.Fatalf("retry outcome = %s, want won", out.Kind)
		}
	})
}

func TestFingerprintDuplicateWithinWindow(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if out, err := h.store.TryBegin(ctx, begin("a", "u1", "F")); err != nil || out.Kind != OutcomeWon {
			t.Fatalf("TryBegin a = %+v, %v", out, err)
		}
		h.advance(2 * time.Second)

		out, err := h.store.TryBegin(ctx, begin("b", "u1", "F"))
		if err != nil {
			t.Fatalf("TryBegin b: %v", err)
		}
		if out.Kind != OutcomeAlreadyPendingSamePayload || out.ExistingKey != "a" {
			t.Fatalf("outcome = %+v, want pending duplicate of a", out)
		}
		if _, err := h.store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("b should not be recorded, got err=%v", err)
		}

		// Another owner with the same payload is independent.
		if out, err := h.store.TryBegin(ctx, begin("c", "u2", "F")); err != nil || out.Kind != OutcomeWon {
			t.Fatalf("TryBegin c = %+v, %v", out, err)
		}
	})
}

func TestFingerprintWindowElapsed(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("a", "u1", "F")); err != nil {
			t.Fatalf("TryBegin a: %v", err)
		}
		h.advance(31 * time.Second)

		out, err := h.store.TryBegin(ctx, begin("b", "u1", "F"))
		if err != nil {
			t.Fatalf("TryBegin b: %v", err)
		}
		if out.Kind != OutcomeWon {
			t.Fatalf("outcome = %s, want won", out.Kind)
		}
	})
}

func TestFingerprintIgnoresCompleted(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("a", "u1", "F")); err != nil {
			t.Fatalf("TryBegin a: %v", err)
		}
		if err := h.store.Complete(ctx, "a", "J1"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		out, err := h.store.TryBegin(ctx, begin("b", "u1", "F"))
		if err != nil {
			t.Fatalf("TryBegin b: %v", err)
		}
		if out.Kind != OutcomeWon {
			t.Fatalf("outcome = %s, want won", out.Kind)
		}
	})
}

func TestKeyDetectionBeatsFingerprint(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("a", "u1", "F")); err != nil {
			t.Fatalf("TryBegin a: %v", err)
		}
		if _, err := h.store.TryBegin(ctx, begin("b", "u1", "G")); err != nil {
			t.Fatalf("TryBegin b: %v", err)
		}
		if err := h.store.Complete(ctx, "b", "JB"); err != nil {
			t.Fatalf("Complete b: %v", err)
		}

		// b resubmitted with a's payload: b's own record wins.
		out, err := h.store.TryBegin(ctx, begin("b", "u1", "F"))
		if err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if out.Kind != OutcomeAlreadyRecorded || out.Record.ExternalJobID != "JB" {
			t.Fatalf("outcome = %+v, want already_recorded JB", out)
		}
	})
}

func TestOwnerMismatch(t *testing.T) {
	forEachBackend(t, defaultOpts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("k", "u1", "F")); err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		out, err := h.store.TryBegin(ctx, begin("k", "u2", "F"))
		if err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if out.Kind != OutcomeOwnerMismatch {
			t.Fatalf("outcome = %s, want owner_mismatch", out.Kind)
		}
	})
}

func TestExpiredRecordReadsAbsent(t *testing.T) {
	opts := Options{TTL: time.Hour, FingerprintWindow: 30 * time.Second}
	forEachBackend(t, opts, func(t *testing.T, h harness) {
		ctx := context.Background()

		if _, err := h.store.TryBegin(ctx, begin("k", "u1", "F")); err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if err := h.store.Complete(ctx, "k", "J1"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		h.advance(2 * time.Hour)

		if _, err := h.store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get expired err = %v, want ErrNotFound", err)
		}
		out, err := h.store.TryBegin(ctx, begin("k", "u1", "F"))
		if err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
		if out.Kind != OutcomeWon {
			t.Fatalf("outcome = %s, want won", out.Kind)
		}
	})
}

func TestSQLStorePurgeExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewSQLStore(storagetest.SQLite(t), Options{TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := store.TryBegin(ctx, begin(key, "u1", key)); err != nil {
			t.Fatalf("TryBegin %s: %v", key, err)
		}
	}
	clock.Advance(30 * time.Minute)
	if _, err := store.TryBegin(ctx, begin("c", "u1", "c")); err != nil {
		t.Fatalf("TryBegin c: %v", err)
	}
	clock.Advance(45 * time.Minute)

	n, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}
	if _, err := store.Get(ctx, "c"); err != nil {
		t.Fatalf("Get c: %v", err)
	}
}

func TestSQLStorePostgres(t *testing.T) {
	db := storagetest.Postgres(t)
	store := NewSQLStore(db, defaultOpts)
	ctx := context.Background()

	out, err := store.TryBegin(ctx, begin("pg-1", "u1", "F"))
	if err != nil || out.Kind != OutcomeWon {
		t.Fatalf("TryBegin = %+v, %v", out, err)
	}
	out, err = store.TryBegin(ctx, begin("pg-2", "u1", "F"))
	if err != nil || out.Kind != OutcomeAlreadyPendingSamePayload || out.ExistingKey != "pg-1" {
		t.Fatalf("TryBegin dup = %+v, %v", out, err)
	}
	if err := store.Complete(ctx, "pg-1", "J1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec, err := store.Get(ctx, "pg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ExternalJobID != "J1" || rec.Status != StatusCompleted || rec.SessionID != "sess-pg-1" {
		t.Fatalf("record = %+v", rec)
	}
}
