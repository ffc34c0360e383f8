package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// FSStore is a filesystem-backed BlobStore. Blobs are zstd-compressed on
// disk and written via temp file plus rename, so a crash mid-write never
// leaves a readable partial blob. Write-once is enforced by the final
// exclusive link step.
type FSStore struct {
	baseDir string
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewFSStore(baseDir string, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &FSStore{
		baseDir: baseDir,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return ErrBlobExists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	compressed := s.encoder.EncodeAll(data, nil)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Link rather than rename: fails if the key was written concurrently,
	// which preserves write-once under racing writers.
	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return ErrBlobExists
		}
		return fmt.Errorf("committing blob: %w", err)
	}

	s.logger.Debug("checkpoint blob stored",
		slog.String("key", key),
		slog.Int("raw_bytes", len(data)),
		slog.Int("stored_bytes", len(compressed)),
	)
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Best-effort removal of the now-empty checkpoint directory.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

func (s *FSStore) blobPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)+".zst"), nil
}
