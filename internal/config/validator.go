package config

import (
	"fmt"
	"net/url"
)

// Validate checks a fully-defaulted Config.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
		if err := unresolved("store.dsn", cfg.Store.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.driver must be one of: sqlite, postgres (got %q)", cfg.Store.Driver)
	}

	switch cfg.Idempotency.Backend {
	case "sql":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("idempotency.backend must be one of: sql, redis (got %q)", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if cfg.Idempotency.FingerprintWindow < 0 || cfg.Idempotency.FingerprintWindow > cfg.Idempotency.TTL {
		return fmt.Errorf("idempotency.fingerprint_window must be between 0 and idempotency.ttl")
	}

	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := unresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}

	if cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if err := unresolved("webhook.secret", cfg.Webhook.Secret); err != nil {
		return err
	}
	if cfg.Webhook.SecretHeader == "" {
		return fmt.Errorf("webhook.secret_header is required")
	}
	if cfg.Webhook.Path == "" || cfg.Webhook.Path[0] != '/' {
		return fmt.Errorf("webhook.path must start with '/' (got %q)", cfg.Webhook.Path)
	}
	if _, err := ParseByteSize(cfg.Webhook.MaxBodySize); err != nil {
		return fmt.Errorf("webhook.max_body_size %q: %w", cfg.Webhook.MaxBodySize, err)
	}

	if err := absoluteURL("worker.endpoint", cfg.Worker.Endpoint); err != nil {
		return err
	}
	if err := absoluteURL("worker.callback_url", cfg.Worker.CallbackURL); err != nil {
		return err
	}
	if cfg.Worker.CancelEndpoint != "" {
		if err := absoluteURL("worker.cancel_endpoint", cfg.Worker.CancelEndpoint); err != nil {
			return err
		}
	}
	if cfg.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive")
	}

	if cfg.Dispatch.CompletionRetryInitial <= 0 || cfg.Dispatch.CompletionRetryMax < cfg.Dispatch.CompletionRetryInitial {
		return fmt.Errorf("dispatch.completion_retry_initial must be positive and not exceed completion_retry_max")
	}

	if cfg.RateLimit.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when rate_limit.enabled is true")
		}
		if cfg.RateLimit.Capacity <= 0 || cfg.RateLimit.RefillPerSecond <= 0 {
			return fmt.Errorf("rate_limit.capacity and rate_limit.refill_per_second must be positive")
		}
	}

	if cfg.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if cfg.Reaper.StaleThreshold <= 0 {
		return fmt.Errorf("reaper.stale_threshold must be positive")
	}
	if cfg.Reaper.Retention < 0 {
		return fmt.Errorf("reaper.retention must not be negative")
	}

	if cfg.Sessions.ActivityLogSize <= 0 {
		return fmt.Errorf("sessions.activity_log_size must be positive")
	}
	return nil
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func absoluteURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	if err := unresolved(field, raw); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL (got %q)", field, raw)
	}
	return nil
}
