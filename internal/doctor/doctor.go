// Package doctor reviews a jobgate configuration for mistakes that load
// cleanly but misbehave at runtime.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/scoutdesk/jobgate/internal/auth"
	"github.com/scoutdesk/jobgate/internal/config"
	"github.com/scoutdesk/jobgate/internal/storage"
)

// minSecretLength is the shortest webhook secret accepted without a warning.
const minSecretLength = 16

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded configuration.
type Doctor struct {
	cfg       *config.Config
	checkPath func(string) error
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, checkPath: storage.CheckSQLitePath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	d.validateStore(r)
	d.validateAuth(r)
	d.validateCallback(r)
	d.warnWeakSecret(r)
	d.warnNoCancel(r)
	d.warnIdempotencyWindow(r)
	d.warnReaperTiming(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStore refuses SQLite files on network mounts.
func (d *Doctor) validateStore(r *Result) {
	if d.cfg.Store.Driver != "sqlite" || d.cfg.Store.Path == "" {
		return
	}
	err := d.checkPath(d.cfg.Store.Path)
	switch {
	case errors.Is(err, storage.ErrNetworkFilesystem):
		d.addError(r, "store", "store.path", err.Error())
	case err != nil:
		d.addWarning(r, "store", "store.path", err.Error())
	}
}

var knownScopes = map[string]bool{
	auth.ScopeJobsRead:  true,
	auth.ScopeJobsWrite: true,
	auth.ScopeAdmin:     true,
	auth.ScopeAll:       true,
}

// validateAuth checks tokens and scopes.
func (d *Doctor) validateAuth(r *Result) {
	a := d.cfg.API.Auth
	if a.APIKey == "" && len(a.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "no api_key or tokens configured; every API request will be rejected")
		return
	}
	if a.APIKey != "" && len(a.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full admin access; add scoped tokens for clients")
	}

	seen := make(map[string]int, len(a.Tokens))
	for i, tok := range a.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if prev, ok := seen[tok.Token]; ok && tok.Token != "" {
			d.addError(r, "api", field+".token", fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[tok.Token] = i
		if tok.Token != "" && tok.Token == a.APIKey {
			d.addError(r, "api", field+".token", "token equals api_key and would authenticate as admin")
		}

		admin := false
		for j, scope := range tok.Scopes {
			scope = strings.TrimSpace(scope)
			if !knownScopes[scope] {
				d.addError(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q (expected jobs:ro, jobs:rw, admin or *)", scope))
			}
			if scope == auth.ScopeAdmin || scope == auth.ScopeAll {
				admin = true
			}
		}
		if admin && strings.TrimSpace(tok.Owner) != "" {
			d.addWarning(r, "token_scopes", field+".owner",
				"owner binding does not limit admin endpoints such as force-close")
		}
	}
}

// validateCallback checks the worker is told to call the webhook listener.
func (d *Doctor) validateCallback(r *Result) {
	raw := d.cfg.Worker.CallbackURL
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	if strings.TrimSuffix(u.Path, "/") != strings.TrimSuffix(d.cfg.Webhook.Path, "/") {
		d.addWarning(r, "webhook", "worker.callback_url",
			fmt.Sprintf("callback path %q does not match webhook.path %q; worker events will 404", u.Path, d.cfg.Webhook.Path))
	}
}

func (d *Doctor) warnWeakSecret(r *Result) {
	if s := d.cfg.Webhook.Secret; s != "" && len(s) < minSecretLength {
		d.addWarning(r, "webhook", "webhook.secret",
			fmt.Sprintf("secret is shorter than %d characters", minSecretLength))
	}
}

func (d *Doctor) warnNoCancel(r *Result) {
	if d.cfg.Worker.CancelEndpoint == "" {
		d.addWarning(r, "worker", "worker.cancel_endpoint",
			"not set; force-close will not ask the worker to stop the job")
	}
}

func (d *Doctor) warnIdempotencyWindow(r *Result) {
	if d.cfg.Idempotency.FingerprintWindow == 0 {
		d.addWarning(r, "idempotency", "idempotency.fingerprint_window",
			"0 disables same-payload detection across different request keys")
	}
	if ret := d.cfg.Reaper.Retention; ret > 0 && ret < d.cfg.Idempotency.TTL {
		d.addWarning(r, "idempotency", "reaper.retention",
			fmt.Sprintf("sessions are pruned after %s but request keys live for %s; duplicates may point at deleted sessions",
				ret, d.cfg.Idempotency.TTL))
	}
}

// warnReaperTiming flags thresholds likely to report healthy jobs.
func (d *Doctor) warnReaperTiming(r *Result) {
	rc := d.cfg.Reaper
	if rc.StaleThreshold > 0 && rc.StaleThreshold < time.Minute {
		d.addWarning(r, "reaper", "reaper.stale_threshold",
			fmt.Sprintf("%s is very short; workers silent during long steps will be flagged", rc.StaleThreshold))
	}
	if rc.Interval > 0 && rc.StaleThreshold > 0 && rc.Interval > rc.StaleThreshold {
		d.addWarning(r, "reaper", "reaper.interval",
			fmt.Sprintf("scan interval %s exceeds stale_threshold %s; suspects are reported late", rc.Interval, rc.StaleThreshold))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
