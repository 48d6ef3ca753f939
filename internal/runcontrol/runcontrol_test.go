package runcontrol

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

func TestInitAndAcquireLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_control.json")
	if err := Init(path, "run-1"); err != nil {
		t.Fatalf("init: %v", err)
	}

	s := Open(path)
	if err := s.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer s.Release()

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.OwnerLease.WorkerID != "worker-a" {
		t.Fatalf("expected owner worker-a, got %s", doc.OwnerLease.WorkerID)
	}
}

func TestAcquireLeaseConflictWhileFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_control.json")
	if err := Init(path, "run-1"); err != nil {
		t.Fatalf("init: %v", err)
	}

	s1 := Open(path)
	if err := s1.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	defer s1.Release()

	s2 := Open(path)
	err := s2.AcquireLease("worker-b", 30*time.Second)
	if err == nil {
		t.Fatal("expected lease conflict")
	}
	if code, ok := labrerr.CodeOf(err); !ok || code != labrerr.LeaseConflict {
		t.Fatalf("expected lease_conflict, got %v", code)
	}
}

func TestCommitIsIdempotentAndMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_control.json")
	if err := Init(path, "run-1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	s := Open(path)
	if err := s.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer s.Release()

	mutate := func() error {
		return s.Mutate(func(doc *Document) error {
			doc.Commit(3)
			doc.Commit(3)
			return nil
		})
	}
	if err := mutate(); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.CommittedSlots) != 1 || doc.CommittedSlots[0] != 3 {
		t.Fatalf("expected single committed slot 3, got %v", doc.CommittedSlots)
	}
	if !doc.IsCommitted(3) {
		t.Fatal("expected slot 3 committed")
	}
}

func TestOwnerLeaseExpired(t *testing.T) {
	lease := OwnerLease{WorkerID: "w", HeartbeatTS: time.Now().Add(-time.Hour), LeaseTTLS: 30}
	if !lease.Expired(time.Now()) {
		t.Fatal("expected stale lease to report expired")
	}
	fresh := OwnerLease{WorkerID: "w", HeartbeatTS: time.Now(), LeaseTTLS: 30}
	if fresh.Expired(time.Now()) {
		t.Fatal("expected fresh lease to report not expired")
	}
}
