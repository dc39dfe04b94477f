package webhook

import (
	"fmt"

	"github.com/scoutdesk/jobgate/internal/config"
)

// FromGlobalConfig converts config.WebhookConfig to webhook.Config.
func FromGlobalConfig(wc config.WebhookConfig) (Config, error) {
	if wc.Secret == "" {
		return Config{}, fmt.Errorf("webhook: secret is required")
	}

	maxBody := int64(DefaultMaxBodySize)
	if wc.MaxBodySize != "" {
		n, err := config.ParseByteSize(wc.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook: invalid max_body_size %q: %w", wc.MaxBodySize, err)
		}
		maxBody = n
	}

	cfg := Config{
		Listen:          wc.Listen,
		Path:            wc.Path,
		Secret:          wc.Secret,
		SecretHeader:    wc.SecretHeader,
		SignatureHeader: wc.SignatureHeader,
		MaxBodySize:     maxBody,
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = DefaultSecretHeader
	}
	return cfg, nil
}
