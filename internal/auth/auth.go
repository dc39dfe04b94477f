// Package auth resolves API bearer tokens to principals with scopes and an
// optional bound owner.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/scoutdesk/jobgate/internal/config"
)

// Scopes understood by the API.
const (
	ScopeJobsRead  = "jobs:ro"
	ScopeJobsWrite = "jobs:rw"
	ScopeAdmin     = "admin"
	ScopeAll       = "*"
)

// TokenConfig is a bearer token with a set of scopes. A non-empty Owner binds
// the token to that owner id.
type TokenConfig struct {
	Token  string
	Scopes []string
	Owner  string
}

type Principal struct {
	Token  string
	Owner  string
	Scopes map[string]struct{}
}

// CanActAs reports whether p may submit or read on behalf of ownerID.
// Unbound principals may act as anyone.
func (p Principal) CanActAs(ownerID string) bool {
	return p.Owner == "" || p.Owner == ownerID
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokensFromConfig converts configured tokens.
func TokensFromConfig(in []config.APIToken) []TokenConfig {
	out := make([]TokenConfig, 0, len(in))
	for _, t := range in {
		out = append(out, TokenConfig{Token: t.Token, Scopes: t.Scopes, Owner: strings.TrimSpace(t.Owner)})
	}
	return out
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If apiKey matches, it authenticates as an unbound admin with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Owner:  t.Owner,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read; admin implies both.
	if _, ok := out[ScopeAdmin]; ok {
		out[ScopeJobsWrite] = struct{}{}
	}
	if _, ok := out[ScopeJobsWrite]; ok {
		out[ScopeJobsRead] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
