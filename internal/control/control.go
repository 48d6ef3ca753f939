// Package control implements the mid-run control operations: pause,
// resume, fork, replay, continue, recover, kill. Every operation
// acquires the run's owner lease first via internal/runcontrol before
// mutating, and reconciles a stale lease the same way a leader-election
// acquire/release cycle would, applied here to a run's owner_lease
// instead of a process table.
package control

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
)

// pauseAckPollInterval is how often Pause re-checks for a checkpoint
// event while waiting out its timeout.
const pauseAckPollInterval = 200 * time.Millisecond

// PauseResult reports what a Pause call was able to confirm before
// returning: stop_acked is true once the paused-status write itself
// commits (the dispatch-stopping signal a file-based control plane can
// actually guarantee synchronously); checkpoint_acked is true only if a
// harness wrote a "checkpoint" event to one of the paused trials within
// the wait window.
type PauseResult struct {
	CheckpointAcked bool `json:"checkpoint_acked"`
	StopAcked       bool `json:"stop_acked"`
}

// Pause requests a graceful pause: pause_requested is set on the
// run-control document and synced into every active trial's
// trial_control.json, the file a harness process actually polls (the
// run-control document itself is never read by the harness). The
// run-level status becomes "paused" so the orchestrator stops
// dispatching new slots once it next observes the status between
// launches. If timeout > 0, Pause then waits up to timeout for one of
// the paused trials to append a "checkpoint" event to its hash chain.
func Pause(dir rundir.Dir, store *runcontrol.Store, workerID string, ttl, timeout time.Duration) (PauseResult, error) {
	if err := store.AcquireLease(workerID, ttl); err != nil {
		return PauseResult{}, err
	}
	defer store.Release()

	var pausedTrials []string
	err := store.Mutate(func(doc *runcontrol.Document) error {
		if doc.Status != runcontrol.StatusRunning {
			return labrerr.Newf(labrerr.ConfigInvalid, "cannot pause run %s in status %q", doc.RunID, doc.Status)
		}
		doc.Status = runcontrol.StatusPaused
		for id, t := range doc.ActiveTrials {
			t.Control.PauseRequested = true
			doc.ActiveTrials[id] = t
			pausedTrials = append(pausedTrials, id)
		}
		return nil
	})
	if err != nil {
		return PauseResult{}, err
	}

	for _, id := range pausedTrials {
		writeTrialControlFile(dir, id, runcontrol.TrialControl{PauseRequested: true})
	}

	result := PauseResult{StopAcked: true}
	if timeout > 0 && len(pausedTrials) > 0 {
		result.CheckpointAcked = waitForCheckpoint(dir, pausedTrials, timeout)
	}
	return result, nil
}

// writeTrialControlFile persists tc to trialID's trial_control.json, the
// per-trial cooperative-signal file a harness process polls; best-effort
// since the run-control document remains the durable source of truth.
func writeTrialControlFile(dir rundir.Dir, trialID string, tc runcontrol.TrialControl) {
	b, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(dir.Trial(trialID).ControlPath(), b, 0o644)
}

// waitForCheckpoint polls trialIDs' events.jsonl files for a "checkpoint"
// kind event, up to timeout, the only ack a file-based harness protocol
// gives back for a pause request.
func waitForCheckpoint(dir rundir.Dir, trialIDs []string, timeout time.Duration) bool {
	deadline := timeNow().Add(timeout)
	for {
		for _, id := range trialIDs {
			if hasCheckpointEvent(dir.Trial(id).EventsPath()) {
				return true
			}
		}
		if timeNow().After(deadline) {
			return false
		}
		time.Sleep(pauseAckPollInterval)
	}
}

func hasCheckpointEvent(eventsPath string) bool {
	f, err := os.Open(eventsPath)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil && ev.Kind == "checkpoint" {
			return true
		}
	}
	return false
}

// Resume clears a pause and re-enters the running state without
// changing bindings. For a resume with overridden bindings, use Fork
// with SourceCheckpoint instead.
func Resume(store *runcontrol.Store, workerID string, ttl time.Duration) error {
	if err := store.AcquireLease(workerID, ttl); err != nil {
		return err
	}
	defer store.Release()

	return store.Mutate(func(doc *runcontrol.Document) error {
		if doc.Status != runcontrol.StatusPaused {
			return labrerr.Newf(labrerr.ConfigInvalid, "cannot resume run %s in status %q", doc.RunID, doc.Status)
		}
		doc.Status = runcontrol.StatusRunning
		for id, t := range doc.ActiveTrials {
			t.Control.PauseRequested = false
			doc.ActiveTrials[id] = t
		}
		return nil
	})
}

// Continue advances schedule_cursor to the next uncommitted slot and
// re-enters the running state on a terminal run, preserving prior
// committed slots.
func Continue(dir rundir.Dir, store *runcontrol.Store, workerID string, ttl time.Duration) error {
	if err := verifyExperimentDigestUnchanged(dir); err != nil {
		return err
	}

	if err := store.AcquireLease(workerID, ttl); err != nil {
		return err
	}
	defer store.Release()

	return store.Mutate(func(doc *runcontrol.Document) error {
		switch doc.Status {
		case runcontrol.StatusCompleted, runcontrol.StatusFailed, runcontrol.StatusKilled, runcontrol.StatusRecovered:
		default:
			return labrerr.Newf(labrerr.ConfigInvalid, "cannot continue run %s in non-terminal status %q", doc.RunID, doc.Status)
		}
		doc.ScheduleCursor = firstUncommitted(doc)
		doc.Status = runcontrol.StatusRunning
		return nil
	})
}

// verifyExperimentDigestUnchanged refuses to continue a run whose
// resolved_experiment.json no longer matches the digest recorded at
// creation time, so a run can never silently resume against a
// different experiment than the one it started with.
func verifyExperimentDigestUnchanged(dir rundir.Dir) error {
	raw, err := os.ReadFile(dir.ResolvedExperimentPath())
	if err != nil {
		return labrerr.Wrap(labrerr.ConfigInvalid, "read resolved experiment for continue", err)
	}
	recorded, err := os.ReadFile(dir.ResolvedExperimentDigestPath())
	if err != nil {
		return labrerr.Wrap(labrerr.ConfigInvalid, "read recorded experiment digest", err)
	}

	var resolved experiment.ResolvedExperiment
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return labrerr.Wrap(labrerr.ConfigInvalid, "decode resolved experiment for continue", err)
	}
	current, err := experiment.Digest(&resolved)
	if err != nil {
		return err
	}
	if current != string(recorded) {
		return labrerr.Newf(labrerr.ConfigInvalid,
			"resolved experiment digest changed since run start (recorded %s, now %s); refusing to continue", recorded, current)
	}
	return nil
}

// Kill requests an immediate stop: every active trial's control entry
// gets stop_requested, synced into that trial's trial_control.json for
// the harness to observe, and the run-level status becomes "killed".
// Cancellation of an already-committed trial has no effect.
func Kill(dir rundir.Dir, store *runcontrol.Store, workerID string, ttl time.Duration) error {
	if err := store.AcquireLease(workerID, ttl); err != nil {
		return err
	}
	defer store.Release()

	var stoppedTrials []string
	err := store.Mutate(func(doc *runcontrol.Document) error {
		doc.Status = runcontrol.StatusKilled
		for id, t := range doc.ActiveTrials {
			t.Control.StopRequested = true
			doc.ActiveTrials[id] = t
			stoppedTrials = append(stoppedTrials, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range stoppedTrials {
		writeTrialControlFile(dir, id, runcontrol.TrialControl{StopRequested: true})
	}
	return nil
}

// Recover acquires ownership when the prior lease is stale (or
// force=true), rewinds schedule_cursor to the first uncommitted slot,
// clears active_trials, and sets status "recovered". mismatches collects committed slots whose trial directory has
// no terminal trial_output.json, as notes rather than hard failures.
func Recover(store *runcontrol.Store, workerID string, ttl time.Duration, force bool, hasTerminalOutput func(scheduleIdx int) bool) (mismatches []int, err error) {
	doc, readErr := store.Read()
	if readErr != nil {
		return nil, readErr
	}
	if !force && !doc.OwnerLease.Expired(timeNow()) {
		return nil, labrerr.Newf(labrerr.LeaseConflict, "run %s lease is not stale; use force to override", doc.RunID)
	}

	acquire := store.AcquireLease
	if force {
		acquire = store.ForceAcquireLease
	}
	if err := acquire(workerID, ttl); err != nil {
		return nil, err
	}
	defer store.Release()

	err = store.Mutate(func(doc *runcontrol.Document) error {
		for _, idx := range doc.CommittedSlots {
			if hasTerminalOutput != nil && !hasTerminalOutput(idx) {
				mismatches = append(mismatches, idx)
			}
		}
		doc.ScheduleCursor = firstUncommitted(doc)
		doc.ActiveTrials = map[string]runcontrol.ActiveTrial{}
		doc.Status = runcontrol.StatusRecovered
		return nil
	})
	return mismatches, err
}

func firstUncommitted(doc *runcontrol.Document) int {
	idx := 0
	for doc.IsCommitted(idx) {
		idx++
	}
	return idx
}

var timeNow = time.Now
