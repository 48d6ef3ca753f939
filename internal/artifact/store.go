// Package artifact implements a content-addressed blob store:
// write-once, idempotent-by-content blobs keyed by the SHA-256 of their
// bytes and stored at artifacts/sha256/<hex>/blob.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/agentlab/internal/canonjson"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// Ref is a content address in the form "artifact://sha256/<hex>".
type Ref string

// Hex returns the raw hex digest encoded by ref, or "" if ref is malformed.
func (r Ref) Hex() string {
	const prefix = "artifact://sha256/"
	s := string(r)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return ""
	}
	return s[len(prefix):]
}

func refFor(hexDigest string) Ref {
	return Ref("artifact://sha256/" + hexDigest)
}

// Store is a content-addressed blob store rooted at a run's artifacts/
// directory. Safe for concurrent use without locking: each writer renames
// its own temp file into place, and since the path is the content digest
// a racing rename can only replace a blob with identical bytes.
type Store struct {
	root string
}

// Open returns a Store rooted at dir (typically <run_dir>/artifacts),
// creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) blobPath(hexDigest string) string {
	return filepath.Join(s.root, "sha256", hexDigest, "blob")
}

// PutBytes stores b and returns its content reference. Idempotent: a
// second call with identical bytes performs no rewrite and returns the
// same reference.
func (s *Store) PutBytes(b []byte) (Ref, error) {
	hexDigest := canonjson.DigestBytes(b)
	path := s.blobPath(hexDigest)

	if _, err := os.Stat(path); err == nil {
		return refFor(hexDigest), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("artifact: stat %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create blob dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("artifact: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("artifact: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Another writer may have just won the race with identical
		// content; that is fine since blobs are write-once by content.
		os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return refFor(hexDigest), nil
		}
		return "", fmt.Errorf("artifact: rename into place: %w", err)
	}

	return refFor(hexDigest), nil
}

// PutFile stores the contents of the file at path and returns its
// content reference.
func (s *Store) PutFile(path string) (Ref, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("artifact: read %s: %w", path, err)
	}
	return s.PutBytes(b)
}

// Read returns the bytes stored under ref. Returns a labrerr with code
// ArtifactNotFound if no blob exists at that path, or ArtifactCorrupt if
// verify is true and the recomputed digest does not match the path.
func (s *Store) Read(ref Ref, verify bool) ([]byte, error) {
	hexDigest := ref.Hex()
	if hexDigest == "" {
		return nil, labrerr.Newf(labrerr.ArtifactNotFound, "malformed artifact ref %q", ref)
	}

	path := s.blobPath(hexDigest)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, labrerr.Newf(labrerr.ArtifactNotFound, "no blob at %s", ref)
		}
		return nil, labrerr.Wrap(labrerr.ArtifactNotFound, fmt.Sprintf("read %s", path), err)
	}

	if verify {
		got := canonjson.DigestBytes(b)
		if got != hexDigest {
			return nil, labrerr.Newf(labrerr.ArtifactCorrupt, "blob at %s recomputes to %s", ref, got)
		}
	}

	return b, nil
}

// Exists reports whether a blob exists for ref without reading its
// contents.
func (s *Store) Exists(ref Ref) bool {
	hexDigest := ref.Hex()
	if hexDigest == "" {
		return false
	}
	_, err := os.Stat(s.blobPath(hexDigest))
	return err == nil
}

// Copy writes the blob under ref to w, erroring with
// ArtifactNotFound/ArtifactCorrupt on the same terms as Read. It reads
// the whole blob into memory via Read before writing it.
func (s *Store) Copy(ref Ref, w io.Writer, verify bool) error {
	b, err := s.Read(ref, verify)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
