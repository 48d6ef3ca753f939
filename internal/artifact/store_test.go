package artifact

import (
	"bytes"
	"os"
	"testing"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

func TestPutBytesIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	data := []byte("hello evidence")
	ref1, err := s.PutBytes(data)
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	ref2, err := s.PutBytes(data)
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("expected same ref for identical bytes, got %s != %s", ref1, ref2)
	}

	got, err := s.Read(ref1, true)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestReadUnknownRefNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = s.Read(Ref("artifact://sha256/"+"0000000000000000000000000000000000000000000000000000000000000000"), false)
	if err == nil {
		t.Fatal("expected error for unknown ref")
	}
	if code, ok := labrerr.CodeOf(err); !ok || code != labrerr.ArtifactNotFound {
		t.Fatalf("expected ArtifactNotFound, got %v (ok=%v)", code, ok)
	}
}

func TestReadCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ref, err := s.PutBytes([]byte("original"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	path := s.blobPath(ref.Hex())
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = s.Read(ref, true)
	if err == nil {
		t.Fatal("expected corrupt error")
	}
	if code, ok := labrerr.CodeOf(err); !ok || code != labrerr.ArtifactCorrupt {
		t.Fatalf("expected ArtifactCorrupt, got %v (ok=%v)", code, ok)
	}
}
