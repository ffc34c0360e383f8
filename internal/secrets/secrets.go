// Package secrets resolves SecretRef entries into in-memory secret material
// for injection into sandboxes. Plaintext exists only transiently: every
// resolved secret is zeroed synchronously when its owning sandbox is released
// or terminated, before the sandbox's registry entry is removed.
package secrets

import (
	"context"
	"fmt"
)

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// ResolvedSecret holds plaintext secret material bound to one sandbox.
// It MUST NOT be serialized, logged, or outlive its owning sandbox.
type ResolvedSecret struct {
	Name  string // Environment name inside the sandbox.
	Value []byte // Plaintext. Zeroed on release/terminate.
}

// Zero overwrites the plaintext in place. Safe to call more than once.
func (s *ResolvedSecret) Zero() {
	for i := range s.Value {
		s.Value[i] = 0
	}
	s.Value = s.Value[:0]
}

// Provider resolves opaque references (e.g. "env://TOKEN") into secret
// material. Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve returns plaintext for the reference. The returned slice is
	// owned by the caller. Returns ErrSecretNotFound when the reference
	// cannot be resolved.
	Resolve(ctx context.Context, ref string) ([]byte, error)

	// Name identifies the provider for logging. Never includes secrets.
	Name() string
}

// Bundle owns the resolved secrets of one sandbox.
type Bundle struct {
	secrets []*ResolvedSecret
}

// Add appends a resolved secret to the bundle.
func (b *Bundle) Add(s *ResolvedSecret) { b.secrets = append(b.secrets, s) }

// Len returns the number of resolved secrets.
func (b *Bundle) Len() int { return len(b.secrets) }

// Env renders the bundle as NAME=value pairs for backend injection.
func (b *Bundle) Env() map[string]string {
	if b == nil {
		return nil
	}
	env := make(map[string]string, len(b.secrets))
	for _, s := range b.secrets {
		env[s.Name] = string(s.Value)
	}
	return env
}

// ZeroAll scrubs every secret in the bundle. Called synchronously before the
// owning sandbox's registry entry is removed — a hard invariant, not
// best-effort cleanup.
func (b *Bundle) ZeroAll() {
	if b == nil {
		return
	}
	for _, s := range b.secrets {
		s.Zero()
	}
	b.secrets = b.secrets[:0]
}
