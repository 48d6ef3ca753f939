package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-dev/agentlab/internal/executor"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
	"github.com/antigravity-dev/agentlab/internal/schedule"
)

type countingRunner struct {
	mu      sync.Mutex
	ran     []string
	maxConc int32
	cur     int32
}

func (r *countingRunner) RunTrial(ctx context.Context, slot schedule.Slot, trialID string) (executor.Result, error) {
	n := atomic.AddInt32(&r.cur, 1)
	for {
		old := atomic.LoadInt32(&r.maxConc)
		if n <= old || atomic.CompareAndSwapInt32(&r.maxConc, old, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&r.cur, -1)

	r.mu.Lock()
	r.ran = append(r.ran, trialID)
	r.mu.Unlock()
	return executor.Result{Status: executor.StatusSucceeded}, nil
}

func setupRun(t *testing.T, runID string) (rundir.Dir, *runcontrol.Store) {
	t.Helper()
	lab := t.TempDir()
	dir, err := rundir.Create(lab, runID)
	if err != nil {
		t.Fatalf("create rundir: %v", err)
	}
	ccPath := filepath.Join(dir.RuntimeDir(), "run_control.json")
	if err := runcontrol.Init(ccPath, runID); err != nil {
		t.Fatalf("init run control: %v", err)
	}
	return dir, runcontrol.Open(ccPath)
}

func TestOrchestratorRunsAllSlotsAndCommits(t *testing.T) {
	dir, store := setupRun(t, "run-1")
	runner := &countingRunner{}

	slots := []schedule.Slot{
		{ScheduleIdx: 0, VariantID: "control", TaskID: "t0"},
		{ScheduleIdx: 1, VariantID: "control", TaskID: "t1"},
		{ScheduleIdx: 2, VariantID: "control", TaskID: "t2"},
	}

	o := New(Config{
		RunID: "run-1", WorkerID: "worker-a", MaxConcurrency: 2,
		LeaseTTL: 30 * time.Second, Heartbeat: 50 * time.Millisecond,
	}, dir, store, runner)

	if err := o.Run(context.Background(), slots); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.CommittedSlots) != 3 {
		t.Fatalf("expected 3 committed slots, got %v", doc.CommittedSlots)
	}
	if len(doc.ActiveTrials) != 0 {
		t.Fatalf("expected no active trials after completion, got %v", doc.ActiveTrials)
	}
	if runner.maxConc > 2 {
		t.Fatalf("expected max concurrency <= 2, observed %d", runner.maxConc)
	}
}

func TestOrchestratorSkipsAlreadyCommittedSlots(t *testing.T) {
	dir, store := setupRun(t, "run-2")
	if err := store.AcquireLease("worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.Commit(0)
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	store.Release()

	runner := &countingRunner{}
	slots := []schedule.Slot{
		{ScheduleIdx: 0, VariantID: "control", TaskID: "t0"},
		{ScheduleIdx: 1, VariantID: "control", TaskID: "t1"},
	}
	o := New(Config{
		RunID: "run-2", WorkerID: "worker-b", MaxConcurrency: 1,
		LeaseTTL: 30 * time.Second, Heartbeat: 50 * time.Millisecond,
	}, dir, store, runner)

	if err := o.Run(context.Background(), slots); err != nil {
		t.Fatalf("run: %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.ran) != 1 || runner.ran[0] != "run-2:1" {
		t.Fatalf("expected only slot 1 to run, got %v", runner.ran)
	}
}
