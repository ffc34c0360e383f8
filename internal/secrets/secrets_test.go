package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/identity"
)

func TestResolvedSecretZero(t *testing.T) {
	backing := []byte("super-secret")
	s := &ResolvedSecret{Name: "TOKEN", Value: backing}
	s.Zero()

	if len(s.Value) != 0 {
		t.Errorf("value length after zero = %d, want 0", len(s.Value))
	}
	// The backing array itself must be scrubbed, not just resliced.
	if !bytes.Equal(backing, make([]byte, len(backing))) {
		t.Errorf("backing memory not scrubbed: %q", backing)
	}
	// Idempotent.
	s.Zero()
}

func TestBundleZeroAll(t *testing.T) {
	b := &Bundle{}
	v1 := []byte("one")
	v2 := []byte("two")
	b.Add(&ResolvedSecret{Name: "A", Value: v1})
	b.Add(&ResolvedSecret{Name: "B", Value: v2})

	env := b.Env()
	if env["A"] != "one" || env["B"] != "two" {
		t.Errorf("env = %v, want A=one B=two", env)
	}

	b.ZeroAll()
	if b.Len() != 0 {
		t.Errorf("bundle length after zero = %d, want 0", b.Len())
	}
	for _, v := range [][]byte{v1, v2} {
		if !bytes.Equal(v, make([]byte, len(v))) {
			t.Errorf("backing memory not scrubbed: %q", v)
		}
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("ENCLAVE_TEST_SECRET", "hunter2")

	p := NewEnvProvider()
	got, err := p.Resolve(context.Background(), "env://ENCLAVE_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("value = %q, want %q", got, "hunter2")
	}

	if _, err := p.Resolve(context.Background(), "env://NOPE_NOT_SET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("error = %v, want ErrSecretNotFound", err)
	}
	if _, err := p.Resolve(context.Background(), "vault://x"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("error = %v, want ErrSecretNotFound for foreign scheme", err)
	}
}

func TestResolverDelegatedAndStatic(t *testing.T) {
	t.Setenv("ENCLAVE_STATIC", "static-value")

	idClient := identity.NewStatic(map[string][]byte{
		"db-password": []byte("delegated-value"),
	})
	r := NewResolver(NewEnvProvider(), idClient)
	requester := domain.Identity{ID: "agent-1", Kind: "agent"}

	bundle, err := r.ResolveAll(context.Background(), requester, []domain.SecretRef{
		{Name: "STATIC", Ref: "env://ENCLAVE_STATIC"},
		{Name: "DB_PASSWORD", Ref: "delegated://db-password", Scope: &domain.DelegationScope{Resource: "db"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := bundle.Env()
	if env["STATIC"] != "static-value" {
		t.Errorf("STATIC = %q, want %q", env["STATIC"], "static-value")
	}
	if env["DB_PASSWORD"] != "delegated-value" {
		t.Errorf("DB_PASSWORD = %q, want %q", env["DB_PASSWORD"], "delegated-value")
	}
}

func TestResolverZeroesOnPartialFailure(t *testing.T) {
	t.Setenv("ENCLAVE_FIRST", "first")

	idClient := identity.NewStatic(nil)
	r := NewResolver(NewEnvProvider(), idClient)
	requester := domain.Identity{ID: "agent-1", Kind: "agent"}

	_, err := r.ResolveAll(context.Background(), requester, []domain.SecretRef{
		{Name: "FIRST", Ref: "env://ENCLAVE_FIRST"},
		{Name: "MISSING", Ref: "delegated://nope"},
	})
	if err == nil {
		t.Fatal("expected error for missing delegated secret")
	}
	if !errors.Is(err, identity.ErrUnknownSecret) {
		t.Errorf("error = %v, want ErrUnknownSecret", err)
	}
}
