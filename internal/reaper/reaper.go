// Package reaper flags running sessions that stopped sending heartbeats and
// lets an operator force-close them.
//
// Detection is advisory: Scan never mutates anything and the background loop
// only reports suspects (gauge, log, event). The only state change is an
// explicit ForceClose. The loop also performs retention cleanup of old
// terminal sessions and expired idempotency records. Pruned sessions keep a
// tombstone for one more retention window, so a late callback is ignored
// instead of recreating the session as a zombie candidate.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scoutdesk/jobgate/internal/config"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/session"
	"github.com/scoutdesk/jobgate/internal/telemetry"
)

// Reaper scans for zombie sessions and runs retention sweeps.
type Reaper struct {
	registry  SessionRegistry
	purger    RecordPurger
	canceller Canceller
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	interval       time.Duration
	staleThreshold time.Duration
	retention      time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// flagged remembers suspects already reported so each is announced once.
	mu      sync.Mutex
	flagged map[string]struct{}
}

// Deps are the reaper's collaborators. Purger, Canceller and Events may be nil.
type Deps struct {
	Registry  SessionRegistry
	Purger    RecordPurger
	Canceller Canceller
	Events    events.Publisher
	Logger    *slog.Logger
}

// New creates a new Reaper instance.
func New(cfg config.ReaperConfig, deps Deps) *Reaper {
	r := &Reaper{
		registry:       deps.Registry,
		purger:         deps.Purger,
		canceller:      deps.Canceller,
		events:         deps.Events,
		logger:         deps.Logger,
		now:            func() time.Time { return time.Now().UTC() },
		interval:       cfg.Interval,
		staleThreshold: cfg.StaleThreshold,
		retention:      cfg.Retention,
		stopCh:         make(chan struct{}),
		flagged:        make(map[string]struct{}),
	}
	if r.events == nil {
		r.events = events.Discard{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reaper")
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.staleThreshold <= 0 {
		r.staleThreshold = 10 * time.Minute
	}
	return r
}

// StaleThreshold is the configured default for Scan.
func (r *Reaper) StaleThreshold() time.Duration {
	return r.staleThreshold
}

// Scan returns copies of running sessions whose last heartbeat is older than
// threshold, with Status set to ZombieSuspect. Stored state is untouched.
func (r *Reaper) Scan(ctx context.Context, threshold time.Duration) ([]session.JobSession, error) {
	if threshold <= 0 {
		threshold = r.staleThreshold
	}
	cutoff := r.now().Add(-threshold)
	stale, err := r.registry.ListStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	out := make([]session.JobSession, 0, len(stale))
	for _, s := range stale {
		if !session.IsZombie(s, cutoff) {
			continue
		}
		s.Status = session.StatusZombieSuspect
		out = append(out, s)
	}
	return out, nil
}

// ForceClose terminates a session on behalf of an operator. Closing an
// already-terminal session returns it unchanged. When the session has a
// worker job id, the worker is asked to cancel it; that call is best effort.
func (r *Reaper) ForceClose(ctx context.Context, sessionID, reason string) (*session.JobSession, error) {
	s, changed, err := r.registry.ForceClose(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("session_id", sessionID)
	if !changed {
		logger.Info("force-close on terminal session is a no-op", "status", s.Status)
		return s, nil
	}

	telemetry.ForceCloses.Inc()
	r.unflag(sessionID)
	r.events.Publish(events.TypeSessionUpdated, sessionID, s)
	logger.Warn("session force-closed", "reason", reason, "external_job_id", s.ExternalJobID)

	if s.ExternalJobID != "" && r.canceller != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.canceller.Cancel(cctx, s.ExternalJobID, session.ForceCloseMessage(reason)); err != nil {
			telemetry.WorkerCalls.WithLabelValues("cancel", "error").Inc()
			logger.Warn("worker cancel failed", "external_job_id", s.ExternalJobID, "error", err)
		} else {
			telemetry.WorkerCalls.WithLabelValues("cancel", "ok").Inc()
		}
	}
	return s, nil
}

// Start begins the background scan loop.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("starting reaper", "interval", r.interval, "stale_threshold", r.staleThreshold, "retention", r.retention)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop ends the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs one pass: zombie report, then retention.
func (r *Reaper) tick(ctx context.Context) {
	zombies, err := r.Scan(ctx, r.staleThreshold)
	if err != nil {
		r.logger.Error("zombie scan failed", "error", err)
	} else {
		telemetry.ZombieSuspects.Set(float64(len(zombies)))
		r.report(zombies)
	}

	if r.retention > 0 {
		n, err := r.registry.PruneTerminal(ctx, r.now().Add(-r.retention))
		if err != nil {
			r.logger.Error("failed to prune terminal sessions", "error", err)
		} else if n > 0 {
			telemetry.Purged.WithLabelValues("job_sessions").Add(float64(n))
			r.logger.Info("pruned terminal sessions", "count", n)
		}
	}
	if r.purger != nil {
		n, err := r.purger.PurgeExpired(ctx)
		if err != nil {
			r.logger.Error("failed to purge expired idempotency records", "error", err)
		} else if n > 0 {
			telemetry.Purged.WithLabelValues("idempotency_records").Add(float64(n))
			r.logger.Debug("purged expired idempotency records", "count", n)
		}
	}
}

// report announces new suspects and forgets ones that recovered.
func (r *Reaper) report(zombies []session.JobSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]struct{}, len(zombies))
	for _, z := range zombies {
		current[z.SessionID] = struct{}{}
		if _, seen := r.flagged[z.SessionID]; seen {
			continue
		}
		var last time.Time
		if z.LastHeartbeatAt != nil {
			last = *z.LastHeartbeatAt
		}
		r.logger.Warn("zombie suspect",
			"session_id", z.SessionID,
			"external_job_id", z.ExternalJobID,
			"last_heartbeat_at", last,
		)
		r.events.Publish(events.TypeSessionZombieSuspect, z.SessionID, z)
	}
	r.flagged = current
}

func (r *Reaper) unflag(sessionID string) {
	r.mu.Lock()
	delete(r.flagged, sessionID)
	r.mu.Unlock()
}
