// Package runcontrol persists the single run-control document at
// runtime/run_control.json and arbitrates ownership of
// a run via an advisory file lock (internal/health.AcquireFlock/
// ReleaseFlock) plus a time-boxed lease, persisted with a write-tmp-
// then-rename rewrite.
package runcontrol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antigravity-dev/agentlab/internal/health"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// SchemaVersion is the run-control document schema version.
const SchemaVersion = "run_control_v2"

// Status is the run's top-level lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusRecovered Status = "recovered"
)

// OwnerLease identifies the worker currently allowed to mutate the run
// and the lease's expiry policy.
type OwnerLease struct {
	WorkerID    string    `json:"worker_id"`
	HeartbeatTS time.Time `json:"heartbeat_ts"`
	LeaseTTLS   int64     `json:"lease_ttl_s"`
}

// Expired reports whether the lease is stale as of now.
func (l OwnerLease) Expired(now time.Time) bool {
	if l.WorkerID == "" {
		return true
	}
	return now.Sub(l.HeartbeatTS) > time.Duration(l.LeaseTTLS)*time.Second
}

// TrialControl is the cooperative signal surface for one active trial.
type TrialControl struct {
	PauseRequested bool   `json:"pause_requested,omitempty"`
	StopRequested  bool   `json:"stop_requested,omitempty"`
	Label          string `json:"label,omitempty"`
	TimeoutS       int64  `json:"timeout_s,omitempty"`
}

// ActiveTrial is one in-flight trial tracked by the run-control document.
type ActiveTrial struct {
	WorkerID    string       `json:"worker_id"`
	ScheduleIdx int          `json:"schedule_idx"`
	VariantID   string       `json:"variant_id"`
	StartedAt   time.Time    `json:"started_at"`
	Control     TrialControl `json:"control"`
}

// Document is the full persisted run-control state.
type Document struct {
	SchemaVersion  string                 `json:"schema_version"`
	RunID          string                 `json:"run_id"`
	Status         Status                 `json:"status"`
	OwnerLease     OwnerLease             `json:"owner_lease"`
	ScheduleCursor int                    `json:"schedule_cursor"`
	ActiveTrials   map[string]ActiveTrial `json:"active_trials"`
	CommittedSlots []int                  `json:"committed_slots"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewDocument returns the initial run-control document for a freshly
// created run, not yet owned by any worker.
func NewDocument(runID string) *Document {
	return &Document{
		SchemaVersion:  SchemaVersion,
		RunID:          runID,
		Status:         StatusRunning,
		ActiveTrials:   map[string]ActiveTrial{},
		CommittedSlots: []int{},
		UpdatedAt:      time.Now().UTC(),
	}
}

// committedSet returns the committed slot set for O(1) membership checks.
func (d *Document) committedSet() map[int]bool {
	set := make(map[int]bool, len(d.CommittedSlots))
	for _, idx := range d.CommittedSlots {
		set[idx] = true
	}
	return set
}

// IsCommitted reports whether schedule_idx has a terminal trial output.
func (d *Document) IsCommitted(scheduleIdx int) bool {
	return d.committedSet()[scheduleIdx]
}

// Commit marks scheduleIdx committed exactly once, keeping
// CommittedSlots sorted-insertion-free (append is sufficient: callers
// never need sorted order, only membership and monotonicity).
func (d *Document) Commit(scheduleIdx int) {
	if d.IsCommitted(scheduleIdx) {
		return
	}
	d.CommittedSlots = append(d.CommittedSlots, scheduleIdx)
}

// Store arbitrates exclusive ownership of one run directory's
// run_control.json via an advisory flock on a sibling .lock file, and
// persists the document with atomic rename.
type Store struct {
	mu       sync.Mutex
	path     string
	lockPath string
	lockFile *os.File
}

// Open returns a Store bound to path (runtime/run_control.json), without
// acquiring the lock.
func Open(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// AcquireLease takes the exclusive file lock and, if the current lease
// is unexpired and held by a different worker, returns
// labrerr.LeaseConflict. On success it writes workerID as the new
// owner with a fresh heartbeat.
func (s *Store) AcquireLease(workerID string, ttl time.Duration) error {
	return s.acquireLease(workerID, ttl, false)
}

// ForceAcquireLease takes the lease regardless of whether the current
// owner's lease is stale, for control.Recover's force=true path.
func (s *Store) ForceAcquireLease(workerID string, ttl time.Duration) error {
	return s.acquireLease(workerID, ttl, true)
}

func (s *Store) acquireLease(workerID string, ttl time.Duration, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockFileExclusive(); err != nil {
		return err
	}

	doc, err := s.readLocked()
	if err != nil {
		s.unlockFileLocked()
		return err
	}

	now := time.Now().UTC()
	if !force && !doc.OwnerLease.Expired(now) && doc.OwnerLease.WorkerID != workerID {
		s.unlockFileLocked()
		return labrerr.Newf(labrerr.LeaseConflict, "run %s is owned by %s", doc.RunID, doc.OwnerLease.WorkerID).
			WithDetails(map[string]any{"owner": doc.OwnerLease.WorkerID})
	}

	doc.OwnerLease = OwnerLease{WorkerID: workerID, HeartbeatTS: now, LeaseTTLS: int64(ttl.Seconds())}
	doc.UpdatedAt = now
	if err := s.writeLocked(doc); err != nil {
		s.unlockFileLocked()
		return err
	}
	return nil
}

// Release drops the advisory file lock. It does not clear owner_lease —
// a subsequent AcquireLease by the same worker supersedes it, while
// another worker gets LeaseConflict until the lease expires (or breaks
// it with ForceAcquireLease).
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockFileLocked()
}

// Heartbeat refreshes owner_lease.heartbeat_ts for workerID. Returns
// labrerr.LeaseConflict if workerID no longer owns the lease.
func (s *Store) Heartbeat(workerID string) error {
	return s.Mutate(func(doc *Document) error {
		if doc.OwnerLease.WorkerID != workerID {
			return labrerr.Newf(labrerr.LeaseConflict, "lease no longer held by %s", workerID)
		}
		doc.OwnerLease.HeartbeatTS = time.Now().UTC()
		return nil
	})
}

// Read loads the current document without requiring ownership.
func (s *Store) Read() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Mutate loads the document, applies fn, and atomically persists the
// result. fn's error aborts the mutation without writing. The caller
// must already hold the lease (AcquireLease) before calling Mutate for
// any state-changing control operation.
func (s *Store) Mutate(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()
	return s.writeLocked(doc)
}

func (s *Store) readLocked() (*Document, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, labrerr.Newf(labrerr.ConfigInvalid, "run_control.json not found at %s", s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("runcontrol: read %s: %w", s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, labrerr.Wrap(labrerr.ChainCorrupt, fmt.Sprintf("decode run control %s", s.path), err)
	}
	if doc.ActiveTrials == nil {
		doc.ActiveTrials = map[string]ActiveTrial{}
	}
	return &doc, nil
}

func (s *Store) writeLocked(doc *Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("runcontrol: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tmp-run-control-*")
	if err != nil {
		return fmt.Errorf("runcontrol: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("runcontrol: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runcontrol: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runcontrol: rename temp: %w", err)
	}
	return nil
}

// Init writes the initial document for a freshly created run, failing if
// one already exists at path.
func Init(path, runID string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("runcontrol: %s already exists", path)
	}
	s := Open(path)
	return s.writeLocked(NewDocument(runID))
}

func (s *Store) lockFileExclusive() error {
	f, err := health.AcquireFlock(s.lockPath)
	if err != nil {
		return labrerr.Newf(labrerr.LeaseConflict, "run control %s is locked by another process", s.path)
	}
	s.lockFile = f
	return nil
}

func (s *Store) unlockFileLocked() {
	if s.lockFile == nil {
		return
	}
	health.ReleaseFlock(s.lockFile)
	s.lockFile = nil
}
