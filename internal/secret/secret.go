// Package secret resolves secret references such as "env://SICC_JWT_SECRET"
// or "vault://secret/data/sicc#jwt" found in configuration values.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Schemes recognized as references. Any other value, including DSNs such
// as "postgres://...", is a literal.
const (
	SchemeEnv   = "env"
	SchemeVault = "vault"
)

// Provider reads secrets for one scheme.
type Provider interface {
	Get(ctx context.Context, path string) (string, error)
	Close() error
}

// Split returns the scheme and path of a reference. ok is false for literals.
func Split(value string) (scheme, path string, ok bool) {
	scheme, path, found := strings.Cut(value, "://")
	if !found {
		return "", "", false
	}
	switch scheme {
	case SchemeEnv, SchemeVault:
		return scheme, path, true
	}
	return "", "", false
}

// IsReference reports whether value names a secret instead of holding one.
func IsReference(value string) bool {
	_, _, ok := Split(value)
	return ok
}

// Resolver routes references to the provider registered for their scheme.
// The env scheme is always available.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{SchemeEnv: EnvProvider{}}}
}

// Register installs p for scheme, replacing any previous provider.
func (r *Resolver) Register(scheme string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = p
}

// Resolve returns the secret a reference points at, or value itself when
// it is a literal.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, path, ok := Split(value)
	if !ok {
		return value, nil
	}
	r.mu.RLock()
	p, registered := r.providers[scheme]
	r.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("no secret provider configured for %s:// references", scheme)
	}
	v, err := p.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s://%s: %w", scheme, path, err)
	}
	return v, nil
}

// ResolveInPlace replaces every referenced field with its secret.
func (r *Resolver) ResolveInPlace(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		if f == nil || *f == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// Close closes every registered provider.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for scheme, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return v, nil
}

func (EnvProvider) Close() error { return nil }
