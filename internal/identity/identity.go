// Package identity resolves bearer credentials to owner identities.
//
// Every inbound request carries an opaque bearer token. The resolver maps
// it to exactly one owner id from the configured caller registry; nothing
// downstream ever sees the raw credential.
package identity

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrMissingCredential is returned when no bearer token was supplied.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is returned when the token matches no caller.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Resolver maps bearer tokens to owner ids. Safe for concurrent use;
// Replace swaps the caller set on config reload.
type Resolver struct {
	mu      sync.RWMutex
	callers map[string]string // token -> owner id
}

// NewResolver builds a resolver from a token -> owner id map.
func NewResolver(callers map[string]string) *Resolver {
	r := &Resolver{}
	r.Replace(callers)
	return r
}

// Replace atomically swaps the caller set.
func (r *Resolver) Replace(callers map[string]string) {
	copied := make(map[string]string, len(callers))
	for token, owner := range callers {
		if token == "" || owner == "" {
			continue
		}
		copied[token] = owner
	}
	r.mu.Lock()
	r.callers = copied
	r.mu.Unlock()
}

// Resolve returns the owner id for the given bearer token.
// Comparison is constant-time over every registered token so a caller
// cannot distinguish near-misses from unknown tokens by timing.
func (r *Resolver) Resolve(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ownerID := ""
	matched := 0
	for candidate, owner := range r.callers {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			ownerID = owner
			matched = 1
		}
	}
	if matched == 0 {
		return "", ErrInvalidCredential
	}
	return ownerID, nil
}

// FromAuthorizationHeader extracts the bearer token from an
// Authorization header value. Returns ErrMissingCredential when the
// header is absent or not a bearer scheme.
func FromAuthorizationHeader(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingCredential
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}
