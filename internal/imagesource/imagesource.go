// Package imagesource resolves image references to staged root
// filesystems and content digests.
package imagesource

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/attestation"
)

// Image is a resolved reference: a staged root filesystem on local disk
// and the content digest of its tree.
type Image struct {
	Ref    string
	Rootfs string
	Digest []byte
}

// Source resolves an image reference. Pull blocks until the rootfs is
// staged locally or the context ends.
type Source interface {
	Pull(ctx context.Context, ref string) (*Image, error)
}

// LocalStore serves images from a directory tree laid out as
// <base>/<sanitized-ref>/. Digests are computed once per ref and cached;
// the store is the cache for pulled content, so repeated pulls of the
// same ref are cheap.
type LocalStore struct {
	baseDir string
	logger  *slog.Logger

	mu      sync.Mutex
	digests map[string][]byte
}

func NewLocalStore(baseDir string, logger *slog.Logger) *LocalStore {
	return &LocalStore{
		baseDir: baseDir,
		logger:  logger,
		digests: make(map[string][]byte),
	}
}

func (s *LocalStore) Pull(ctx context.Context, ref string) (*Image, error) {
	if ref == "" {
		return nil, apierrors.Validation("empty image reference")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rootfs := filepath.Join(s.baseDir, sanitizeRef(ref))
	info, err := os.Stat(rootfs)
	if err != nil || !info.IsDir() {
		return nil, apierrors.ImageNotFound(ref)
	}

	digest, err := s.digest(ref, rootfs)
	if err != nil {
		return nil, apierrors.BackendUnavailable("digesting image %s", ref).WithCause(err)
	}
	return &Image{Ref: ref, Rootfs: rootfs, Digest: digest}, nil
}

func (s *LocalStore) digest(ref, rootfs string) ([]byte, error) {
	s.mu.Lock()
	if d, ok := s.digests[ref]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	// Hash outside the lock; image trees can be large.
	d, err := attestation.HashDirectory(rootfs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.digests[ref] = d
	s.mu.Unlock()

	s.logger.Debug("image digest computed",
		slog.String("ref", ref),
		slog.Int("digest_bytes", len(d)),
	)
	return d, nil
}

// Invalidate drops the cached digest for a ref, forcing recomputation on
// the next pull. Used after the store's content is updated out of band.
func (s *LocalStore) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.digests, ref)
	s.mu.Unlock()
}

// sanitizeRef maps an image reference to a filesystem-safe directory
// name. "registry.local/base:1" becomes "registry.local_base_1".
func sanitizeRef(ref string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(ref)
}
