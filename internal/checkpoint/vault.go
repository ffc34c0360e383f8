package checkpoint

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/attestation"
	"github.com/jkaninda/enclave/internal/backend"
)

// Saved describes durably stored checkpoint blobs: the keys to retrieve
// them and the content hashes to verify them.
type Saved struct {
	MemoryKey      string
	FilesystemKey  string
	MemoryHash     []byte
	FilesystemHash []byte
}

// Vault stores and retrieves backend snapshots as checkpoint blobs.
type Vault struct {
	blobs BlobStore
}

func NewVault(blobs BlobStore) *Vault {
	return &Vault{blobs: blobs}
}

// SaveSnapshot uploads both snapshot blobs and returns their keys and
// content hashes. Both blobs are durable when this returns; callers
// commit metadata only afterwards. A failure on the second blob removes
// the first, so no orphaned half-checkpoint remains addressable.
func (v *Vault) SaveSnapshot(ctx context.Context, checkpointID uuid.UUID, snap *backend.Snapshot) (*Saved, error) {
	memKey := MemoryKey(checkpointID)
	fsKey := FilesystemKey(checkpointID)

	if err := v.blobs.Put(ctx, memKey, snap.MemoryState); err != nil {
		return nil, fmt.Errorf("storing memory blob: %w", err)
	}
	if err := v.blobs.Put(ctx, fsKey, snap.Filesystem); err != nil {
		_ = v.blobs.Delete(ctx, memKey)
		return nil, fmt.Errorf("storing filesystem blob: %w", err)
	}

	return &Saved{
		MemoryKey:      memKey,
		FilesystemKey:  fsKey,
		MemoryHash:     attestation.HashBytes(snap.MemoryState),
		FilesystemHash: attestation.HashBytes(snap.Filesystem),
	}, nil
}

// LoadSnapshot retrieves the blobs behind a checkpoint and verifies them
// against the recorded hashes before handing them to a backend.
func (v *Vault) LoadSnapshot(ctx context.Context, memKey, fsKey string, memoryHash, filesystemHash []byte) (*backend.Snapshot, error) {
	memory, err := v.blobs.Get(ctx, memKey)
	if err != nil {
		return nil, fmt.Errorf("loading memory blob: %w", err)
	}
	filesystem, err := v.blobs.Get(ctx, fsKey)
	if err != nil {
		return nil, fmt.Errorf("loading filesystem blob: %w", err)
	}

	if !bytes.Equal(attestation.HashBytes(memory), memoryHash) {
		return nil, fmt.Errorf("memory blob %s failed hash verification", memKey)
	}
	if !bytes.Equal(attestation.HashBytes(filesystem), filesystemHash) {
		return nil, fmt.Errorf("filesystem blob %s failed hash verification", fsKey)
	}

	return &backend.Snapshot{MemoryState: memory, Filesystem: filesystem}, nil
}

// Discard removes both blobs of a checkpoint.
func (v *Vault) Discard(ctx context.Context, checkpointID uuid.UUID) error {
	if err := v.blobs.Delete(ctx, MemoryKey(checkpointID)); err != nil {
		return err
	}
	return v.blobs.Delete(ctx, FilesystemKey(checkpointID))
}
