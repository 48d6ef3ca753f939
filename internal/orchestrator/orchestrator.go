// Package orchestrator drives a run's schedule from its cursor forward,
// bounding parallelism to design.max_concurrency and propagating control
// signals. Admission is a golang.org/x/sync/errgroup.SetLimit bound
// rather than a hand-rolled queue, and the lease heartbeat runs as its
// own ticker-driven loop alongside dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/agentlab/internal/executor"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
	"github.com/antigravity-dev/agentlab/internal/schedule"
)

// TrialRunner executes one slot end-to-end (write trial_input.json,
// construct an executor.Executor, run it, record events and the terminal
// trial_output.json). The orchestrator is agnostic to how a slot is
// actually executed; it only sequences and bounds concurrency.
type TrialRunner interface {
	RunTrial(ctx context.Context, slot schedule.Slot, trialID string) (executor.Result, error)
}

// Config controls one orchestrator run.
type Config struct {
	RunID          string
	WorkerID       string
	MaxConcurrency int
	LeaseTTL       time.Duration
	Heartbeat      time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// Orchestrator drives dispatch for one run directory.
type Orchestrator struct {
	cfg     Config
	dir     rundir.Dir
	control *runcontrol.Store
	runner  TrialRunner
	logger  *slog.Logger
}

// New constructs an Orchestrator bound to one run directory and its
// run-control store.
func New(cfg Config, dir rundir.Dir, control *runcontrol.Store, runner TrialRunner) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.LeaseTTL / 3
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, dir: dir, control: control, runner: runner, logger: logger}
}

// Run acquires the lease, starts the heartbeat loop, and drives slots
// from schedule_cursor forward until the schedule is exhausted or ctx is
// cancelled or the run-level status becomes paused/killed.
func (o *Orchestrator) Run(ctx context.Context, slots []schedule.Slot) error {
	if err := o.control.AcquireLease(o.cfg.WorkerID, o.cfg.LeaseTTL); err != nil {
		return err
	}
	defer o.control.Release()

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.heartbeatLoop(hbCtx)
	}()
	defer wg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)

	for _, slot := range slots {
		slot := slot

		doc, err := o.control.Read()
		if err == nil && doc.IsCommitted(slot.ScheduleIdx) {
			continue
		}
		if o.shouldStop(gctx) {
			break
		}

		g.Go(func() error {
			return o.runSlot(gctx, slot)
		})
	}

	return g.Wait()
}

// shouldStop checks the run-level status for paused/killed between slot
// launches.
func (o *Orchestrator) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	doc, err := o.control.Read()
	if err != nil {
		return false
	}
	return doc.Status == runcontrol.StatusPaused || doc.Status == runcontrol.StatusKilled
}

func (o *Orchestrator) runSlot(ctx context.Context, slot schedule.Slot) error {
	trialID := fmt.Sprintf("%s:%d", o.cfg.RunID, slot.ScheduleIdx)

	if err := o.control.Mutate(func(doc *runcontrol.Document) error {
		doc.ActiveTrials[trialID] = runcontrol.ActiveTrial{
			WorkerID:    o.cfg.WorkerID,
			ScheduleIdx: slot.ScheduleIdx,
			VariantID:   slot.VariantID,
			StartedAt:   time.Now().UTC(),
		}
		return nil
	}); err != nil {
		return fmt.Errorf("orchestrator: record active trial %s: %w", trialID, err)
	}

	res, runErr := o.runner.RunTrial(ctx, slot, trialID)

	commitErr := o.control.Mutate(func(doc *runcontrol.Document) error {
		delete(doc.ActiveTrials, trialID)
		doc.Commit(slot.ScheduleIdx)
		doc.ScheduleCursor = nextCursor(doc)
		return nil
	})

	if runErr != nil {
		o.logger.Error("trial failed", "trial_id", trialID, "error", runErr)
	} else {
		o.logger.Info("trial committed", "trial_id", trialID, "status", res.Status)
	}
	if commitErr != nil {
		return fmt.Errorf("orchestrator: commit slot %d: %w", slot.ScheduleIdx, commitErr)
	}
	return nil
}

// nextCursor advances past the longest committed prefix, matching the
// "schedule_cursor == min(idx: idx not committed)" invariant recovery
// relies on.
func nextCursor(doc *runcontrol.Document) int {
	cursor := doc.ScheduleCursor
	for doc.IsCommitted(cursor) {
		cursor++
	}
	return cursor
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.control.Heartbeat(o.cfg.WorkerID); err != nil {
				o.logger.Warn("lease heartbeat failed", "worker_id", o.cfg.WorkerID, "error", err)
				return
			}
		}
	}
}
