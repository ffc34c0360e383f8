package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/identity"
)

// delegatedPrefix marks references resolved through the identity service
// under a delegation scope rather than through a local provider.
const delegatedPrefix = "delegated://"

// Resolver turns a spec's SecretRef list into a Bundle. Scoped references go
// through the identity service; static references go through the provider.
type Resolver struct {
	provider Provider
	identity identity.Client
}

// NewResolver creates a resolver over a local provider and the identity
// service client.
func NewResolver(provider Provider, idClient identity.Client) *Resolver {
	return &Resolver{provider: provider, identity: idClient}
}

// ResolveAll fetches every referenced secret on behalf of the given identity.
// On any failure the partially resolved bundle is zeroed before returning, so
// a failed spawn never leaks fetched plaintext.
func (r *Resolver) ResolveAll(ctx context.Context, id domain.Identity, refs []domain.SecretRef) (*Bundle, error) {
	bundle := &Bundle{}
	for _, ref := range refs {
		value, err := r.resolve(ctx, id, ref)
		if err != nil {
			bundle.ZeroAll()
			return nil, fmt.Errorf("resolving secret %q: %w", ref.Name, err)
		}
		bundle.Add(&ResolvedSecret{Name: ref.Name, Value: value})
	}
	return bundle, nil
}

func (r *Resolver) resolve(ctx context.Context, id domain.Identity, ref domain.SecretRef) ([]byte, error) {
	if ref.Scope != nil || strings.HasPrefix(ref.Ref, delegatedPrefix) {
		secretID := strings.TrimPrefix(ref.Ref, delegatedPrefix)
		return r.identity.FetchDelegatedSecret(ctx, secretID, ref.Scope, id)
	}
	return r.provider.Resolve(ctx, ref.Ref)
}
