package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
)

func newRun(t *testing.T, runID string) (rundir.Dir, *runcontrol.Store) {
	t.Helper()
	dir, err := rundir.Create(t.TempDir(), runID)
	if err != nil {
		t.Fatalf("create rundir: %v", err)
	}
	if err := runcontrol.Init(dir.RunControlPath(), runID); err != nil {
		t.Fatalf("init run control: %v", err)
	}
	return dir, runcontrol.Open(dir.RunControlPath())
}

// writeResolvedExperimentFixture writes a minimal resolved experiment
// and its matching digest file, the pair Continue checks against.
func writeResolvedExperimentFixture(t *testing.T, dir rundir.Dir) *experiment.ResolvedExperiment {
	t.Helper()
	resolved := &experiment.ResolvedExperiment{
		ExperimentID: "exp-1",
		Design:       experiment.Design{MaxConcurrency: 1},
	}
	digest, err := experiment.Digest(resolved)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		t.Fatalf("marshal resolved experiment: %v", err)
	}
	if err := os.WriteFile(dir.ResolvedExperimentPath(), raw, 0o644); err != nil {
		t.Fatalf("write resolved experiment: %v", err)
	}
	if err := os.WriteFile(dir.ResolvedExperimentDigestPath(), []byte(digest), 0o644); err != nil {
		t.Fatalf("write digest: %v", err)
	}
	return resolved
}

func TestPauseThenResume(t *testing.T) {
	dir, store := newRun(t, "run-1")

	result, err := Pause(dir, store, "worker-a", 30*time.Second, 0)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !result.StopAcked {
		t.Fatal("expected stop_acked on a successful pause")
	}
	if result.CheckpointAcked {
		t.Fatal("expected no checkpoint_acked without a wait timeout")
	}
	doc, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Status != runcontrol.StatusPaused {
		t.Fatalf("expected paused, got %s", doc.Status)
	}

	if err := Resume(store, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("resume: %v", err)
	}
	doc, err = store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Status != runcontrol.StatusRunning {
		t.Fatalf("expected running, got %s", doc.Status)
	}
}

func TestPauseSyncsTrialControlAndAcksCheckpoint(t *testing.T) {
	dir, store := newRun(t, "run-1")
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.ActiveTrials["run-1:0"] = runcontrol.ActiveTrial{WorkerID: "worker-a", ScheduleIdx: 0}
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	store.Release()

	trial := dir.Trial("run-1:0")
	if err := trial.Ensure(); err != nil {
		t.Fatalf("ensure trial dir: %v", err)
	}
	if err := os.WriteFile(trial.EventsPath(), []byte(`{"kind":"checkpoint","head":"x"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}

	result, err := Pause(dir, store, "worker-a", 30*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !result.CheckpointAcked {
		t.Fatal("expected checkpoint_acked when a checkpoint event is already present")
	}

	raw, err := os.ReadFile(trial.ControlPath())
	if err != nil {
		t.Fatalf("read trial control: %v", err)
	}
	var tc runcontrol.TrialControl
	if err := json.Unmarshal(raw, &tc); err != nil {
		t.Fatalf("decode trial control: %v", err)
	}
	if !tc.PauseRequested {
		t.Fatal("expected pause_requested synced to trial_control.json")
	}
}

func TestResumeRejectsNonPausedRun(t *testing.T) {
	_, store := newRun(t, "run-1")
	if err := Resume(store, "worker-a", 30*time.Second); err == nil {
		t.Fatal("expected error resuming a non-paused run")
	}
}

func TestKillMarksActiveTrialsStopRequested(t *testing.T) {
	dir, store := newRun(t, "run-1")
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.ActiveTrials["run-1:0"] = runcontrol.ActiveTrial{WorkerID: "worker-a", ScheduleIdx: 0}
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	store.Release()

	if err := dir.Trial("run-1:0").Ensure(); err != nil {
		t.Fatalf("ensure trial dir: %v", err)
	}

	if err := Kill(dir, store, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("kill: %v", err)
	}
	doc, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Status != runcontrol.StatusKilled {
		t.Fatalf("expected killed, got %s", doc.Status)
	}
	if !doc.ActiveTrials["run-1:0"].Control.StopRequested {
		t.Fatal("expected stop_requested on active trial")
	}

	raw, err := os.ReadFile(dir.Trial("run-1:0").ControlPath())
	if err != nil {
		t.Fatalf("read trial control: %v", err)
	}
	var tc runcontrol.TrialControl
	if err := json.Unmarshal(raw, &tc); err != nil {
		t.Fatalf("decode trial control: %v", err)
	}
	if !tc.StopRequested {
		t.Fatal("expected stop_requested synced to trial_control.json")
	}
}

func TestRecoverRewindsCursorAndClearsActiveTrials(t *testing.T) {
	_, store := newRun(t, "run-1")
	if err := store.AcquireLease("worker-a", 1*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.Commit(0)
		doc.Commit(1)
		doc.ScheduleCursor = 2
		doc.ActiveTrials["run-1:2"] = runcontrol.ActiveTrial{WorkerID: "worker-a", ScheduleIdx: 2}
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	store.Release()

	time.Sleep(1100 * time.Millisecond)

	mismatches, err := Recover(store, "worker-b", 30*time.Second, false, func(idx int) bool { return true })
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %v", mismatches)
	}

	doc, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.ScheduleCursor != 2 {
		t.Fatalf("expected cursor rewound to 2, got %d", doc.ScheduleCursor)
	}
	if len(doc.ActiveTrials) != 0 {
		t.Fatalf("expected active trials cleared, got %v", doc.ActiveTrials)
	}
	if doc.Status != runcontrol.StatusRecovered {
		t.Fatalf("expected recovered status, got %s", doc.Status)
	}
}

func TestRecoverRejectsFreshLeaseWithoutForce(t *testing.T) {
	_, store := newRun(t, "run-1")
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	store.Release()

	if _, err := Recover(store, "worker-b", 30*time.Second, false, nil); err == nil {
		t.Fatal("expected error recovering a fresh lease without force")
	}
}

func TestRecoverWithForceBreaksFreshLease(t *testing.T) {
	_, store := newRun(t, "run-1")
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	store.Release()

	if _, err := Recover(store, "worker-b", 30*time.Second, true, func(idx int) bool { return true }); err != nil {
		t.Fatalf("expected force recover to break a fresh lease, got %v", err)
	}

	doc, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.OwnerLease.WorkerID != "worker-b" {
		t.Fatalf("expected worker-b to own the lease after forced recover, got %s", doc.OwnerLease.WorkerID)
	}
	if doc.Status != runcontrol.StatusRecovered {
		t.Fatalf("expected recovered status, got %s", doc.Status)
	}
}

func TestContinueAdvancesCursorOnTerminalRun(t *testing.T) {
	dir, store := newRun(t, "run-1")
	writeResolvedExperimentFixture(t, dir)
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.Commit(0)
		doc.Status = runcontrol.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	store.Release()

	if err := Continue(dir, store, "worker-b", 30*time.Second); err != nil {
		t.Fatalf("continue: %v", err)
	}
	doc, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.ScheduleCursor != 1 {
		t.Fatalf("expected cursor 1, got %d", doc.ScheduleCursor)
	}
	if doc.Status != runcontrol.StatusRunning {
		t.Fatalf("expected running, got %s", doc.Status)
	}
}

func TestContinueRejectsChangedDigest(t *testing.T) {
	dir, store := newRun(t, "run-2")
	resolved := writeResolvedExperimentFixture(t, dir)
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.Status = runcontrol.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	store.Release()

	resolved.Design.MaxConcurrency = 9
	raw, err := json.Marshal(resolved)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(dir.ResolvedExperimentPath(), raw, 0o644); err != nil {
		t.Fatalf("rewrite resolved experiment: %v", err)
	}

	if err := Continue(dir, store, "worker-b", 30*time.Second); err == nil {
		t.Fatal("expected continue to refuse a changed resolved experiment")
	}
}

func TestReplayGradesExactAndDivergent(t *testing.T) {
	dir, _ := newRun(t, "run-1")
	trial := dir.Trial("run-1:0")
	if err := trial.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	original := []byte(`{"status":"succeeded"}`)
	if err := os.WriteFile(trial.OutputPath(), original, 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}

	res, err := Replay(dir, "run-1:0", original, true)
	if err != nil {
		t.Fatalf("replay exact: %v", err)
	}
	if res.Grade != ReplayExact {
		t.Fatalf("expected exact, got %s", res.Grade)
	}

	_, err = Replay(dir, "run-1:0", []byte(`{"status":"failed"}`), true)
	if err == nil {
		t.Fatal("expected strict replay to fail on divergence")
	}

	res, err = Replay(dir, "run-1:0", []byte(`{"status":"failed"}`), false)
	if err != nil {
		t.Fatalf("replay non-strict: %v", err)
	}
	if res.Grade != ReplayDivergent {
		t.Fatalf("expected divergent, got %s", res.Grade)
	}
}

func TestFindCheckpointColdWhenNoCheckpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(path, []byte(`{"ts":"t","kind":"started","trial_id":"x","head":"h"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cp, fallback, err := FindCheckpoint(path, "0")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if cp != nil || fallback != FallbackCold {
		t.Fatalf("expected cold fallback, got %+v %s", cp, fallback)
	}
}

func TestFindCheckpointExactByIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	content := `{"ts":"t0","kind":"started","trial_id":"x","head":"h0"}
{"ts":"t1","kind":"checkpoint","trial_id":"x","head":"h1","payload":{"label":"cp1"}}
{"ts":"t2","kind":"checkpoint","trial_id":"x","head":"h2","payload":{"label":"cp2"}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cp, fallback, err := FindCheckpoint(path, "1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fallback != FallbackExact || cp.Index != 1 {
		t.Fatalf("expected exact match at index 1, got %+v %s", cp, fallback)
	}
}

func TestFindCheckpointNearestWhenIndexBeyond(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	content := `{"ts":"t0","kind":"checkpoint","trial_id":"x","head":"h0","payload":{"label":"cp0"}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cp, fallback, err := FindCheckpoint(path, "5")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fallback != FallbackNearest || cp.Index != 0 {
		t.Fatalf("expected nearest match at index 0, got %+v %s", cp, fallback)
	}
}
