// Package auth authenticates admin API callers by bearer token and scope.
//
// Tokens are compared by BLAKE3 digest so every comparison has the same
// length, and a caller is identified in logs by a short digest prefix rather
// than the token itself.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the admin API. "*" grants everything.
const (
	ScopeAll        = "*"
	ScopeWebhooksRO = "webhooks:ro"
	ScopeWebhooksRW = "webhooks:rw"
	ScopeEventsRO   = "events:ro"
	ScopeMetricsRO  = "metrics:ro"
)

// implied lists the scopes a scope grants in addition to itself.
var implied = map[string][]string{
	ScopeWebhooksRW: {ScopeWebhooksRO},
}

var known = map[string]bool{
	ScopeAll:        true,
	ScopeWebhooksRO: true,
	ScopeWebhooksRW: true,
	ScopeEventsRO:   true,
	ScopeMetricsRO:  true,
}

// KnownScope reports whether s is a scope the admin API checks for.
func KnownScope(s string) bool {
	return known[strings.TrimSpace(s)]
}

// KnownScopes returns every scope name, sorted.
func KnownScopes() []string {
	out := make([]string, 0, len(known))
	for s := range known {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

var (
	ErrMissingAuthorization   = errors.New("missing Authorization header")
	ErrMalformedAuthorization = errors.New("invalid Authorization header format")
	ErrEmptyToken             = errors.New("missing API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. ID is safe to log.
type Principal struct {
	ID     string
	Scopes map[string]struct{}
}

// Allows reports whether p holds at least one of required. No required
// scopes always passes.
func (p Principal) Allows(required ...string) bool {
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

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAuthorization
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedAuthorization
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

type credential struct {
	digest [32]byte
	id     string
	scopes map[string]struct{}
}

// Authenticator matches presented tokens against a fixed token set.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator digests tokens once. Blank tokens are skipped.
func NewAuthenticator(tokens []TokenConfig) *Authenticator {
	a := &Authenticator{creds: make([]credential, 0, len(tokens))}
	for _, t := range tokens {
		if strings.TrimSpace(t.Token) == "" {
			continue
		}
		digest := blake3.Sum256([]byte(t.Token))
		a.creds = append(a.creds, credential{
			digest: digest,
			id:     "tok_" + hex.EncodeToString(digest[:4]),
			scopes: expandScopes(t.Scopes),
		})
	}
	return a
}

// Authenticate returns the principal for presented. Every configured token
// is compared so the time taken does not depend on which one matched.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	digest := blake3.Sum256([]byte(presented))

	match := -1
	for i := range a.creds {
		if subtle.ConstantTimeCompare(digest[:], a.creds[i].digest[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, false
	}
	c := a.creds[match]
	return Principal{ID: c.id, Scopes: c.scopes}, true
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		for _, extra := range implied[s] {
			out[extra] = struct{}{}
		}
	}
	return out
}
