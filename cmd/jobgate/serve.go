package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scoutdesk/jobgate/internal/api"
	"github.com/scoutdesk/jobgate/internal/auth"
	"github.com/scoutdesk/jobgate/internal/config"
	"github.com/scoutdesk/jobgate/internal/dispatch"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/idempotency"
	"github.com/scoutdesk/jobgate/internal/lock"
	"github.com/scoutdesk/jobgate/internal/log"
	"github.com/scoutdesk/jobgate/internal/ratelimit"
	"github.com/scoutdesk/jobgate/internal/reaper"
	"github.com/scoutdesk/jobgate/internal/session"
	"github.com/scoutdesk/jobgate/internal/storage"
	"github.com/scoutdesk/jobgate/internal/webhook"
	"github.com/scoutdesk/jobgate/internal/worker"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, webhook listener and reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Resolve(opts.configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			log.Setup(cfg.Service.LogLevel)
			logger := log.WithComponent("main")
			hash, _ := config.FileHash(path)
			logger.Info("jobgate starting", "config", path, "config_hash", hash, "store", cfg.Store.Driver, "idempotency_backend", cfg.Idempotency.Backend)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Run(ctx)
		},
	}
}

// app owns every long-lived component of the serve command.
type app struct {
	logger  *slog.Logger
	db      *storage.DB
	redis   *redis.Client
	lock    *lock.InstanceLock
	api     *api.Server
	webhook *webhook.Server
	reaper  *reaper.Reaper
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Store.Driver == "sqlite" {
		a.lock, err = lock.Acquire(lock.PathFor(cfg.Store.Path))
		if err != nil {
			return nil, fmt.Errorf("sqlite store is single-instance: %w", err)
		}
	}

	a.db, err = storage.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.Store.Driver)

	if cfg.Idempotency.Backend == "redis" || cfg.RateLimit.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err = a.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	idemOpts := idempotency.Options{
		TTL:               cfg.Idempotency.TTL,
		FingerprintWindow: cfg.Idempotency.FingerprintWindow,
	}
	var store interface {
		idempotency.Store
		reaper.RecordPurger
	}
	if cfg.Idempotency.Backend == "redis" {
		store = idempotency.NewRedisStore(a.redis, idemOpts)
	} else {
		store = idempotency.NewSQLStore(a.db, idemOpts)
	}

	hub := events.NewHub(256)
	registry := session.NewRegistry(a.db, session.Options{
		ActivityLogSize: cfg.Sessions.ActivityLogSize,
		Logger:          log.WithComponent("session"),
	})
	wc := worker.New(cfg.Worker, cfg.Webhook.Secret)

	deps := dispatch.Deps{
		Store:    store,
		Sessions: registry,
		Worker:   wc,
		Events:   hub,
		Logger:   log.WithComponent("dispatch"),
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.NewTokenBucket(a.redis, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, bucketTTL(cfg.RateLimit))
		logger.Info("per-owner rate limit enabled", "capacity", cfg.RateLimit.Capacity, "refill_per_second", cfg.RateLimit.RefillPerSecond)
	}
	gate := dispatch.New(deps, cfg.Dispatch)

	a.reaper = reaper.New(cfg.Reaper, reaper.Deps{
		Registry:  registry,
		Purger:    store,
		Canceller: wc,
		Events:    hub,
		Logger:    log.WithComponent("reaper"),
	})

	a.api = api.New(api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: auth.TokensFromConfig(cfg.API.Auth.Tokens),
	}, api.Deps{
		Gate:        gate,
		Submissions: store,
		Sessions:    registry,
		Reaper:      a.reaper,
		Events:      hub,
		Store:       a.db,
		Logger:      log.WithComponent("api"),
	})

	whCfg, err := webhook.FromGlobalConfig(cfg.Webhook)
	if err != nil {
		return nil, fmt.Errorf("configure webhook: %w", err)
	}
	a.webhook = webhook.New(whCfg, registry, hub, log.WithComponent("webhook"))

	return a, nil
}

// bucketTTL keeps an idle bucket around long enough to refill completely.
func bucketTTL(cfg config.RateLimitConfig) time.Duration {
	if cfg.RefillPerSecond <= 0 {
		return time.Hour
	}
	full := time.Duration(float64(cfg.Capacity) / cfg.RefillPerSecond * float64(time.Second))
	return 2*full + time.Minute
}

// Run serves until ctx ends or a server fails.
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.api.Start(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.webhook.Start(ctx))
	})
	g.Go(func() error {
		a.reaper.Start(ctx)
		<-ctx.Done()
		a.reaper.Stop()
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error("jobgate stopped with error", "error", err)
		return err
	}
	a.logger.Info("jobgate stopped")
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
