// Package attestation builds and verifies signed attestations binding a
// sandbox's identity and configuration to cryptographic evidence of how and
// where it executed. Signatures are hybrid: an Ed25519 component and an
// ML-DSA-65 component over the same canonical CBOR encoding, and verification
// requires both to succeed.
package attestation

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

// canonicalRecord is the signed portion of an attestation: every field except
// the signature, in fixed declaration order. The integer keys pin the CBOR
// field order so canonical bytes are stable across versions.
type canonicalRecord struct {
	SandboxID        []byte   `cbor:"1,keyasint"`
	IdentityID       string   `cbor:"2,keyasint"`
	IdentityKind     string   `cbor:"3,keyasint"`
	ChainIDs         []string `cbor:"4,keyasint"`
	ImageHash        []byte   `cbor:"5,keyasint"`
	ConfigHash       []byte   `cbor:"6,keyasint"`
	FilesystemHash   []byte   `cbor:"7,keyasint"`
	PlatformTag      string   `cbor:"8,keyasint"`
	PlatformEvidence []byte   `cbor:"9,keyasint"`
	CreatedAtUnix    int64    `cbor:"10,keyasint"`
	ValidUntilUnix   int64    `cbor:"11,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// CanonicalBytes returns the deterministic byte encoding the signature
// covers.
func CanonicalBytes(att *domain.Attestation) ([]byte, error) {
	chain := make([]string, len(att.DelegationChain))
	for i, id := range att.DelegationChain {
		chain[i] = id.Kind + ":" + id.ID
	}
	return encMode.Marshal(canonicalRecord{
		SandboxID:        att.SandboxID[:],
		IdentityID:       att.Identity.ID,
		IdentityKind:     att.Identity.Kind,
		ChainIDs:         chain,
		ImageHash:        att.ImageHash,
		ConfigHash:       att.ConfigHash,
		FilesystemHash:   att.FilesystemHash,
		PlatformTag:      att.PlatformTag,
		PlatformEvidence: att.PlatformEvidence,
		CreatedAtUnix:    att.CreatedAt.Unix(),
		ValidUntilUnix:   att.ValidUntil.Unix(),
	})
}

// Service generates and verifies attestations using the keyring.
type Service struct {
	keyring *Keyring
	now     func() time.Time
}

// NewService creates an attestation service over the keyring.
func NewService(keyring *Keyring) *Service {
	return &Service{keyring: keyring, now: time.Now}
}

// Input carries everything Generate needs. Evidence comes from the backend's
// platform_evidence call; hashes are computed by the caller from the image,
// the serialized spec, and the initial filesystem state.
type Input struct {
	SandboxID        uuid.UUID
	Identity         domain.Identity
	DelegationChain  domain.DelegationChain
	ImageHash        []byte
	ConfigHash       []byte
	FilesystemHash   []byte
	PlatformTag      string
	PlatformEvidence []byte
	TTL              time.Duration
}

// Generate assembles and signs a new attestation. A fresh attestation is
// generated on every spawn, claim, and restore — never patched in place.
func (s *Service) Generate(in Input) (*domain.Attestation, error) {
	now := s.now().UTC()
	att := &domain.Attestation{
		SandboxID:        in.SandboxID,
		Identity:         in.Identity,
		DelegationChain:  in.DelegationChain,
		ImageHash:        in.ImageHash,
		ConfigHash:       in.ConfigHash,
		FilesystemHash:   in.FilesystemHash,
		PlatformTag:      in.PlatformTag,
		PlatformEvidence: in.PlatformEvidence,
		CreatedAt:        now,
		ValidUntil:       now.Add(in.TTL),
	}
	canonical, err := CanonicalBytes(att)
	if err != nil {
		return nil, fmt.Errorf("encoding attestation: %w", err)
	}
	att.Signature = s.keyring.Active().Sign(canonical)
	return att, nil
}

// VerdictStatus classifies a verification outcome.
type VerdictStatus string

const (
	// Valid: both signature components verify, the current time is within
	// the validity window, and the platform evidence is consistent.
	Valid VerdictStatus = "valid"
	// Expired: structurally valid signature but now > valid_until. Distinct
	// from Invalid so callers can tell staleness from forgery.
	Expired VerdictStatus = "expired"
	// Invalid: any signature, key, or consistency failure.
	Invalid VerdictStatus = "invalid"
)

// Verdict is the verification result with a human-readable reason on
// non-valid outcomes.
type Verdict struct {
	Status VerdictStatus
	Reason string
}

// Verify checks the attestation against the keyring.
func (s *Service) Verify(att *domain.Attestation) Verdict {
	now := s.now().UTC()

	keys, ok := s.keyring.Lookup(att.Signature.KeyID, now)
	if !ok {
		return Verdict{Invalid, fmt.Sprintf("unknown or retired signing key %q", att.Signature.KeyID)}
	}

	canonical, err := CanonicalBytes(att)
	if err != nil {
		return Verdict{Invalid, fmt.Sprintf("encoding attestation: %v", err)}
	}
	if !keys.Verify(canonical, att.Signature) {
		return Verdict{Invalid, "signature verification failed"}
	}

	if !evidenceConsistent(att.PlatformTag, att.PlatformEvidence) {
		return Verdict{Invalid, fmt.Sprintf("platform evidence inconsistent with backend type %q", att.PlatformTag)}
	}

	if now.Before(att.CreatedAt.Add(-clockSkew)) {
		return Verdict{Invalid, "attestation created in the future"}
	}
	if now.After(att.ValidUntil) {
		return Verdict{Expired, "attestation validity window elapsed"}
	}
	return Verdict{Status: Valid}
}

// clockSkew tolerates small clock differences between signer and verifier.
const clockSkew = 2 * time.Minute

// evidenceConsistent checks the opaque evidence bytes declare the same
// platform the attestation claims. Backends prefix their evidence with
// "<tag>\x00".
func evidenceConsistent(tag string, evidence []byte) bool {
	prefix := append([]byte(tag), 0)
	return bytes.HasPrefix(evidence, prefix)
}
