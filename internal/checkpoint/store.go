// Package checkpoint stores checkpoint blobs: the captured memory and
// filesystem state of a sandbox. Blobs are write-once and
// content-hashed; metadata referencing them is committed elsewhere only
// after the blobs are durably stored.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrBlobExists is returned when writing a key that already holds
	// data. Checkpoint blobs are immutable once written.
	ErrBlobExists = errors.New("checkpoint: blob already exists")

	// ErrBlobNotFound is returned for unknown keys.
	ErrBlobNotFound = errors.New("checkpoint: blob not found")
)

// BlobStore is write-once keyed blob storage.
type BlobStore interface {
	// Put stores data under key. Returns ErrBlobExists if the key is
	// already written.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MemoryKey returns the blob key for a checkpoint's memory state.
func MemoryKey(checkpointID uuid.UUID) string {
	return fmt.Sprintf("%s/memory", checkpointID)
}

// FilesystemKey returns the blob key for a checkpoint's filesystem state.
func FilesystemKey(checkpointID uuid.UUID) string {
	return fmt.Sprintf("%s/filesystem", checkpointID)
}
