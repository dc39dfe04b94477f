package config

import "time"

// Config represents the complete jobgate configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Store       StoreConfig       `yaml:"store"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Redis       RedisConfig       `yaml:"redis"`
	API         APIConfig         `yaml:"api"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Worker      WorkerConfig      `yaml:"worker"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Reaper      ReaperConfig      `yaml:"reaper"`
	Sessions    SessionsConfig    `yaml:"sessions"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StoreConfig selects the durable SQL store.
type StoreConfig struct {
	// Driver is "sqlite" (single host) or "postgres" (multi-instance).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// IdempotencyConfig controls the dispatch idempotency store.
type IdempotencyConfig struct {
	// Backend is "sql" (shares the store database) or "redis".
	Backend           string        `yaml:"backend"`
	TTL               time.Duration `yaml:"ttl"`
	FingerprintWindow time.Duration `yaml:"fingerprint_window"`
}

// RedisConfig is shared by the redis idempotency backend and the rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string        `yaml:"listen"`
	Auth   APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (scope "*").
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token, its scopes and an optional bound owner.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
	Owner  string   `yaml:"owner,omitempty"`
}

// WebhookConfig defines the worker callback listener.
type WebhookConfig struct {
	Listen          string `yaml:"listen"`
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SecretHeader    string `yaml:"secret_header"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// WorkerConfig describes the external worker service.
type WorkerConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	CancelEndpoint string        `yaml:"cancel_endpoint,omitempty"`
	CallbackURL    string        `yaml:"callback_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DispatchConfig bounds the retry of the post-dispatch completion write.
type DispatchConfig struct {
	CompletionRetryInitial time.Duration `yaml:"completion_retry_initial"`
	CompletionRetryMax     time.Duration `yaml:"completion_retry_max"`
}

// RateLimitConfig enables per-owner submission limiting (requires redis).
type RateLimitConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// ReaperConfig defines zombie detection and retention.
type ReaperConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	Retention      time.Duration `yaml:"retention"`
}

// SessionsConfig defines session registry settings.
type SessionsConfig struct {
	ActivityLogSize int `yaml:"activity_log_size"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "jobgate",
			LogLevel: "info",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/jobgate.db",
		},
		Idempotency: IdempotencyConfig{
			Backend:           "sql",
			TTL:               24 * time.Hour,
			FingerprintWindow: 30 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Webhook: WebhookConfig{
			Listen:       "127.0.0.1:8081",
			Path:         "/webhook/worker",
			SecretHeader: "X-Webhook-Secret",
			MaxBodySize:  "1MB",
		},
		Worker: WorkerConfig{
			Timeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			CompletionRetryInitial: 100 * time.Millisecond,
			CompletionRetryMax:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:        10,
			RefillPerSecond: 0.5,
		},
		Reaper: ReaperConfig{
			Interval:       time.Minute,
			StaleThreshold: 10 * time.Minute,
			Retention:      30 * 24 * time.Hour,
		},
		Sessions: SessionsConfig{
			ActivityLogSize: 50,
		},
	}
}
