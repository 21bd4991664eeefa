// Package auth covers the two identities scanq deals with: the bearer token
// presented to the admin API, and the owner a handler process runs a scan as.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	ScopeAll           = "*"
	ScopeQueueRead     = "queue:ro"
	ScopeQueueWrite    = "queue:rw"
	ScopeSettingsWrite = "settings:rw"
)

// implied lists what each grantable scope also confers.
var implied = map[string][]string{
	ScopeQueueWrite:    {ScopeQueueRead},
	ScopeSettingsWrite: {ScopeQueueRead},
}

var (
	ErrMissingToken  = errors.New("missing Authorization header")
	ErrMalformedAuth = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	scopes map[string]struct{}
}

// Has reports whether p holds any of required. A principal with "*" holds
// everything; an empty required list is always satisfied.
func (p Principal) Has(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
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

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrMalformedAuth
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type credential struct {
	secret []byte
	scopes map[string]struct{}
}

// Keyring holds the credentials the admin API accepts.
type Keyring struct {
	creds []credential
}

// NewKeyring builds a keyring from the legacy full-access key (may be empty)
// and the scoped tokens. Empty secrets are dropped.
func NewKeyring(adminKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.creds = append(k.creds, credential{
			secret: []byte(adminKey),
			scopes: map[string]struct{}{ScopeAll: {}},
		})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.creds = append(k.creds, credential{secret: []byte(t.Token), scopes: expandScopes(t.Scopes)})
	}
	return k
}

// Authenticate matches presented against every credential and returns the
// first match.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	b := []byte(presented)
	for _, c := range k.creds {
		if subtle.ConstantTimeCompare(b, c.secret) == 1 {
			return Principal{scopes: c.scopes}, true
		}
	}
	return Principal{}, false
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
