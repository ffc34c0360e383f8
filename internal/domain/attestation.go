package domain

import (
	"time"

	"github.com/google/uuid"
)

// HybridSignature is the combined signature value over an attestation's
// canonical encoding. Verification requires both components to validate.
type HybridSignature struct {
	KeyID       string `json:"key_id"`
	Classical   []byte `json:"classical"`    // Ed25519.
	PostQuantum []byte `json:"post_quantum"` // ML-DSA-65.
}

// Attestation binds a sandbox's identity and configuration to cryptographic
// evidence of how and where it executed. Immutable once signed; claims and
// restores always generate a fresh attestation, never patch one in place.
type Attestation struct {
	SandboxID       uuid.UUID       `json:"sandbox_id"`
	Identity        Identity        `json:"identity"`
	DelegationChain DelegationChain `json:"delegation_chain"`

	// Content hashes (BLAKE3) of the image, the canonical spec encoding,
	// and the initial filesystem state.
	ImageHash      []byte `json:"image_hash"`
	ConfigHash     []byte `json:"config_hash"`
	FilesystemHash []byte `json:"filesystem_hash"`

	// Backend-declared platform tag plus opaque evidence bytes.
	PlatformTag      string `json:"platform_tag"`
	PlatformEvidence []byte `json:"platform_evidence"`

	CreatedAt  time.Time `json:"created_at"`
	ValidUntil time.Time `json:"valid_until"`

	Signature HybridSignature `json:"signature"`
}

// CheckpointMetadata describes a write-once checkpoint artifact. The blobs it
// references are uploaded before the metadata is committed, so metadata never
// points at missing data. Restore never mutates it.
type CheckpointMetadata struct {
	ID        uuid.UUID `json:"id"`
	SandboxID uuid.UUID `json:"sandbox_id"`
	Identity  Identity  `json:"identity"`

	Spec SandboxSpec `json:"spec"`

	// BLAKE3 integrity hashes of the stored blobs.
	MemoryHash     []byte `json:"memory_hash"`
	FilesystemHash []byte `json:"filesystem_hash"`

	// Object-store keys for the snapshot blobs.
	MemoryKey     string `json:"memory_key"`
	FilesystemKey string `json:"filesystem_key"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
