package attestation

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// HashBytes returns the BLAKE3-256 digest of the input.
func HashBytes(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// HashReader streams the reader through BLAKE3-256.
func HashReader(r io.Reader) ([]byte, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// HashFile hashes a file's contents.
func HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashDirectory produces a stable digest of a directory tree: relative paths
// in sorted order, each followed by the file's content digest. Captures the
// initial filesystem state for attestation and the post-checkpoint state for
// integrity checks.
func HashDirectory(root string) ([]byte, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(paths)

	h := blake3.New()
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		content, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(content)
	}
	return h.Sum(nil), nil
}
