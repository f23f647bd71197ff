// Package resolver maps human-chosen credential aliases to the secret
// access tokens the backend needs. Secrets never reach display surfaces:
// the Secret type redacts itself in every formatting and encoding path.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const redacted = "[REDACTED]"

// Secret is an opaque credential. Use Reveal only at the wire boundary.
type Secret string

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Reveal returns the raw credential for an outgoing request body.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) IsZero() bool { return s == "" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// UnresolvedAliasError marks a row whose alias has no known credential.
type UnresolvedAliasError struct {
	Alias string
}

func (e *UnresolvedAliasError) Error() string {
	return fmt.Sprintf("unknown alias %q: no access token on file", e.Alias)
}

// Fetcher loads every alias/secret pair visible to a user.
type Fetcher interface {
	AccessTokens(ctx context.Context, userID string) (map[string]Secret, error)
}

// Resolver caches the alias map for one session. The map is fetched once;
// a failed fetch is retried on the next Load.
type Resolver struct {
	fetcher Fetcher
	userID  string
	logger  zerolog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	secrets map[string]Secret
	loaded  bool
}

func New(fetcher Fetcher, userID string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		userID:  userID,
		logger:  logger,
		secrets: make(map[string]Secret),
	}
}

// NewStatic builds an already-loaded resolver, used for offline imports
// and tests.
func NewStatic(secrets map[string]Secret) *Resolver {
	r := &Resolver{secrets: make(map[string]Secret, len(secrets)), loaded: true, logger: zerolog.Nop()}
	for alias, s := range secrets {
		r.secrets[strings.TrimSpace(alias)] = s
	}
	return r
}

// Load fetches the alias map unless it is already cached. Concurrent
// callers share one request.
func (r *Resolver) Load(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	if r.fetcher == nil {
		return fmt.Errorf("resolver: no fetcher configured")
	}

	_, err, _ := r.group.Do("load", func() (interface{}, error) {
		secrets, err := r.fetcher.AccessTokens(ctx, r.userID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		for alias, s := range secrets {
			r.secrets[strings.TrimSpace(alias)] = s
		}
		r.loaded = true
		r.mu.Unlock()
		r.logger.Info().Int("aliases", len(secrets)).Msg("alias map loaded")
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to load access tokens: %w", err)
	}
	return nil
}

// Resolve returns the secret for alias, or false when unknown.
func (r *Resolver) Resolve(alias string) (Secret, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.secrets[strings.TrimSpace(alias)]
	if !ok || s.IsZero() {
		return "", false
	}
	return s, true
}

// Aliases lists known aliases, sorted. Secrets are not returned.
func (r *Resolver) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.secrets))
	for alias := range r.secrets {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// AliasFor finds the alias that maps to secret. It lets verification
// messages name the alias instead of the token.
func (r *Resolver) AliasFor(secret Secret) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for alias, s := range r.secrets {
		if s == secret {
			return alias, true
		}
	}
	return "", false
}

func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}
