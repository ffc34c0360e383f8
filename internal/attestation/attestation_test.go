package attestation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	keyring, err := NewKeyring(time.Hour)
	if err != nil {
		t.Fatalf("creating keyring: %v", err)
	}
	return NewService(keyring)
}

func testInput() Input {
	return Input{
		SandboxID: uuid.New(),
		Identity:  domain.Identity{ID: "agent-1", Kind: "agent"},
		DelegationChain: domain.DelegationChain{
			{ID: "agent-1", Kind: "agent"},
			{ID: "alice", Kind: "human"},
		},
		ImageHash:        HashBytes([]byte("image")),
		ConfigHash:       HashBytes([]byte("config")),
		FilesystemHash:   HashBytes([]byte("fs")),
		PlatformTag:      "uskernel",
		PlatformEvidence: append([]byte("uskernel\x00"), []byte("pid=42")...),
		TTL:              time.Hour,
	}
}

func TestGenerateAndVerify(t *testing.T) {
	svc := newTestService(t)

	att, err := svc.Generate(testInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(att.Signature.Classical) == 0 || len(att.Signature.PostQuantum) == 0 {
		t.Fatal("hybrid signature missing a component")
	}

	if v := svc.Verify(att); v.Status != Valid {
		t.Errorf("verdict = %s (%s), want valid", v.Status, v.Reason)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	svc := newTestService(t)

	mutations := []struct {
		name   string
		mutate func(*domain.Attestation)
	}{
		{"image hash", func(a *domain.Attestation) { a.ImageHash[0] ^= 0xff }},
		{"config hash", func(a *domain.Attestation) { a.ConfigHash[0] ^= 0xff }},
		{"filesystem hash", func(a *domain.Attestation) { a.FilesystemHash[0] ^= 0xff }},
		{"identity", func(a *domain.Attestation) { a.Identity.ID = "mallory" }},
		{"created_at", func(a *domain.Attestation) { a.CreatedAt = a.CreatedAt.Add(-time.Hour) }},
		{"valid_until", func(a *domain.Attestation) { a.ValidUntil = a.ValidUntil.Add(time.Hour) }},
		{"classical signature", func(a *domain.Attestation) { a.Signature.Classical[0] ^= 0xff }},
		{"post-quantum signature", func(a *domain.Attestation) { a.Signature.PostQuantum[0] ^= 0xff }},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			att, err := svc.Generate(testInput())
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			tt.mutate(att)
			if v := svc.Verify(att); v.Status != Invalid {
				t.Errorf("verdict after tampering with %s = %s, want invalid", tt.name, v.Status)
			}
		})
	}
}

func TestVerifyExpiredIsDistinctFromInvalid(t *testing.T) {
	svc := newTestService(t)

	in := testInput()
	in.TTL = time.Minute
	att, err := svc.Generate(in)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Move the service clock past the validity window. The signature is
	// still structurally valid.
	svc.now = func() time.Time { return att.ValidUntil.Add(time.Minute) }

	v := svc.Verify(att)
	if v.Status != Expired {
		t.Errorf("verdict = %s (%s), want expired", v.Status, v.Reason)
	}
}

func TestVerifyEvidenceMustMatchBackendType(t *testing.T) {
	svc := newTestService(t)

	in := testInput()
	in.PlatformTag = "microvm"
	// Evidence still declares uskernel.
	att, err := svc.Generate(in)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if v := svc.Verify(att); v.Status != Invalid {
		t.Errorf("verdict = %s, want invalid for mismatched evidence", v.Status)
	}
}

func TestKeyRotationOverlapWindow(t *testing.T) {
	keyring, err := NewKeyring(time.Hour)
	if err != nil {
		t.Fatalf("creating keyring: %v", err)
	}
	svc := NewService(keyring)

	att, err := svc.Generate(testInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := keyring.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Signed by the previous generation, still inside the overlap window.
	if v := svc.Verify(att); v.Status != Valid {
		t.Errorf("verdict after rotation = %s (%s), want valid within overlap", v.Status, v.Reason)
	}

	// New attestations sign with the new generation.
	att2, err := svc.Generate(testInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if att2.Signature.KeyID == att.Signature.KeyID {
		t.Error("rotation did not change the signing key id")
	}
	if v := svc.Verify(att2); v.Status != Valid {
		t.Errorf("verdict for new key = %s (%s), want valid", v.Status, v.Reason)
	}

	// After the overlap elapses, the old generation is rejected.
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	att.ValidUntil = time.Now().UTC().Add(3 * time.Hour) // Not expired, key is the failure.
	if v := svc.Verify(att); v.Status != Invalid {
		t.Errorf("verdict past overlap = %s, want invalid", v.Status)
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	svc := newTestService(t)
	att, err := svc.Generate(testInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, err := CanonicalBytes(att)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b, err := CanonicalBytes(att)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(a) != string(b) {
		t.Error("canonical encoding is not deterministic")
	}
}

func TestHashDirectoryStable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bravo"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("alpha"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := HashDirectory(dir)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashDirectory(dir)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if string(h1) != string(h2) {
		t.Error("directory hash is not stable")
	}

	if err := os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}
	h3, err := HashDirectory(dir)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if string(h1) == string(h3) {
		t.Error("directory hash did not change with content")
	}
}
