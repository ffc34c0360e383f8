// Package identity defines the contract the orchestration core consumes from
// the external identity service: delegated secret fetches at spawn/claim time
// and binding a requester identity to a sandbox. Issuance itself lives outside
// the core.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

// ErrSecretDenied is returned when the identity service refuses a delegated
// secret fetch for the given scope.
var ErrSecretDenied = errors.New("delegated secret denied")

// ErrUnknownSecret is returned when the secret id does not resolve.
var ErrUnknownSecret = errors.New("unknown secret id")

// Client is the identity-service surface the core consumes.
// Implementations must be safe for concurrent use.
type Client interface {
	// FetchDelegatedSecret resolves a secret id under a delegation scope on
	// behalf of the given identity. The returned plaintext is owned by the
	// caller and must be zeroed when its sandbox is released or terminated.
	FetchDelegatedSecret(ctx context.Context, secretID string, scope *domain.DelegationScope, id domain.Identity) ([]byte, error)

	// BindIdentity records that the sandbox now acts as the given identity.
	// Called at spawn (cold path) and at claim (warm path).
	BindIdentity(ctx context.Context, sandboxID uuid.UUID, id domain.Identity) error
}

// Static is an in-process Client backed by a fixed secret map. Used in tests
// and single-node deployments without an external identity plane.
type Static struct {
	mu       sync.RWMutex
	secrets  map[string][]byte
	bindings map[uuid.UUID]domain.Identity
}

// NewStatic creates a Static client with the given secret material.
func NewStatic(secrets map[string][]byte) *Static {
	cp := make(map[string][]byte, len(secrets))
	for k, v := range secrets {
		cp[k] = append([]byte(nil), v...)
	}
	return &Static{
		secrets:  cp,
		bindings: make(map[uuid.UUID]domain.Identity),
	}
}

func (s *Static) FetchDelegatedSecret(_ context.Context, secretID string, _ *domain.DelegationScope, _ domain.Identity) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[secretID]
	if !ok {
		return nil, ErrUnknownSecret
	}
	// Callers zero their copy; never hand out the backing slice.
	return append([]byte(nil), v...), nil
}

func (s *Static) BindIdentity(_ context.Context, sandboxID uuid.UUID, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[sandboxID] = id
	return nil
}

// BoundIdentity returns the identity bound to a sandbox, if any.
func (s *Static) BoundIdentity(sandboxID uuid.UUID) (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[sandboxID]
	return id, ok
}
