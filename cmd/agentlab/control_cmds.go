package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/agentlab/internal/control"
	"github.com/antigravity-dev/agentlab/internal/labconfig"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
)

// openRunStore resolves a run id under labRoot to its Dir and
// runcontrol.Store, the common first step of every control subcommand.
func openRunStore(configPath, labRootFlag, runID string) (rundir.Dir, *runcontrol.Store, *labconfig.Config, error) {
	cfg, err := labconfig.Load(configPath)
	if err != nil {
		return rundir.Dir{}, nil, nil, err
	}
	labRoot := labRootFlag
	if labRoot == "" {
		labRoot = cfg.General.LabRoot
	}
	if runID == "" {
		return rundir.Dir{}, nil, nil, usageErrorf("-run-id is required")
	}
	dir := rundir.Open(labRoot, runID)
	return dir, runcontrol.Open(dir.RunControlPath()), cfg, nil
}

func leaseParams(cfg *labconfig.Config, ttlOverride int) (string, time.Duration) {
	ttl := time.Duration(cfg.General.DefaultLeaseTTLS) * time.Second
	if ttlOverride > 0 {
		ttl = time.Duration(ttlOverride) * time.Second
	}
	return uuid.NewString(), ttl
}

func commonControlFlags(fs *flag.FlagSet) (configPath, labRoot, runID *string, ttlSeconds *int) {
	configPath = fs.String("config", "lab.toml", "path to lab.toml")
	labRoot = fs.String("lab-root", "", "lab root directory override")
	runID = fs.String("run-id", "", "run id to operate on")
	ttlSeconds = fs.Int("lease-ttl-s", 0, "lease ttl override in seconds")
	return
}

func cmdPause(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("pause")
	configPath, labRoot, runID, ttlSeconds := commonControlFlags(fs)
	timeoutSeconds := fs.Int("timeout-seconds", 0, "seconds to wait for a harness checkpoint ack (0 = don't wait)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, cfg, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	workerID, ttl := leaseParams(cfg, *ttlSeconds)
	result, err := control.Pause(dir, store, workerID, ttl, time.Duration(*timeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id": *runID, "status": "paused",
		"checkpoint_acked": result.CheckpointAcked, "stop_acked": result.StopAcked,
	}, nil
}

func cmdResume(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("resume")
	configPath, labRoot, runID, ttlSeconds := commonControlFlags(fs)
	fromTrial := fs.String("from-trial", "", "paused trial id to resume (required when -set overrides are given)")
	label := fs.String("label", "", "checkpoint label or event index to fork -from-trial at when -set is given (default 0); it does not select the trial")
	var setFlags stringSlice
	fs.Var(&setFlags, "set", "binding override applied to the resumed trial, key=value (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, cfg, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	workerID, ttl := leaseParams(cfg, *ttlSeconds)

	if len(setFlags) == 0 {
		if err := control.Resume(store, workerID, ttl); err != nil {
			return nil, err
		}
		return map[string]any{"run_id": *runID, "status": "running"}, nil
	}

	if *fromTrial == "" {
		return nil, usageErrorf("resume: -from-trial is required when supplying -set overrides (fork path)")
	}
	overrides, err := parseKeyValueOverrides(setFlags)
	if err != nil {
		return nil, err
	}
	forkID := newRunID()
	at := *label
	if at == "" {
		at = "0"
	}
	meta, forkTrial, err := control.Fork(dir, *fromTrial, at, forkID, overrides)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id": *runID, "fork_id": forkID, "fork_trial_dir": forkTrial.Root,
		"source_checkpoint": meta.SourceCheckpoint, "fallback_mode": meta.FallbackMode, "replay_grade": meta.ReplayGrade,
	}, nil
}

func cmdFork(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("fork")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	fromTrial := fs.String("from-trial", "", "source trial id to fork from (required)")
	at := fs.String("at", "", "checkpoint event index or label to fork at")
	var setFlags stringSlice
	fs.Var(&setFlags, "set", "binding override, key=value (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *fromTrial == "" {
		return nil, usageErrorf("fork: -from-trial is required")
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	overrides, err := parseKeyValueOverrides(setFlags)
	if err != nil {
		return nil, err
	}
	forkID := newRunID()
	meta, forkTrial, err := control.Fork(dir, *fromTrial, *at, forkID, overrides)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id": *runID, "fork_id": forkID, "fork_trial_dir": forkTrial.Root,
		"source_checkpoint": meta.SourceCheckpoint, "fallback_mode": meta.FallbackMode, "replay_grade": meta.ReplayGrade,
	}, nil
}

func cmdReplay(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("replay")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	trialID := fs.String("trial-id", "", "completed trial id to replay (required)")
	strict := fs.Bool("strict", false, "require byte-identical output")
	newOutputPath := fs.String("new-output", "", "path to the newly produced trial_output.json to grade against the recorded one (written by re-invoking the harness out of band)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *trialID == "" {
		return nil, usageErrorf("replay: -trial-id is required")
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}

	var newOutput []byte
	if *newOutputPath != "" {
		newOutput, err = os.ReadFile(*newOutputPath)
		if err != nil {
			return nil, labrerr.Wrap(labrerr.ConfigInvalid, "read new trial output", err)
		}
	} else {
		newOutput, err = os.ReadFile(dir.Trial(*trialID).OutputPath())
		if err != nil {
			return nil, labrerr.Wrap(labrerr.ConfigInvalid, "read existing trial output to replay against itself", err)
		}
	}

	result, err := control.Replay(dir, *trialID, newOutput, *strict)
	if err != nil {
		return result, err
	}
	return result, nil
}

func cmdContinue(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("continue")
	configPath, labRoot, runID, ttlSeconds := commonControlFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, cfg, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	workerID, ttl := leaseParams(cfg, *ttlSeconds)
	if err := control.Continue(dir, store, workerID, ttl); err != nil {
		return nil, err
	}
	doc, err := store.Read()
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "status": doc.Status, "schedule_cursor": doc.ScheduleCursor}, nil
}

func cmdRecover(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("recover")
	configPath, labRoot, runID, ttlSeconds := commonControlFlags(fs)
	force := fs.Bool("force", false, "break a non-stale lease")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, cfg, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	workerID, ttl := leaseParams(cfg, *ttlSeconds)

	hasTerminal := func(scheduleIdx int) bool {
		trialID := fmt.Sprintf("%s:%d", *runID, scheduleIdx)
		_, err := os.Stat(dir.Trial(trialID).OutputPath())
		return err == nil
	}
	mismatches, err := control.Recover(store, workerID, ttl, *force, hasTerminal)
	if err != nil {
		return nil, err
	}
	doc, err := store.Read()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id": *runID, "status": doc.Status, "schedule_cursor": doc.ScheduleCursor,
		"mismatches": mismatches,
	}, nil
}

func cmdKill(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("kill")
	configPath, labRoot, runID, ttlSeconds := commonControlFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, cfg, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	workerID, ttl := leaseParams(cfg, *ttlSeconds)
	if err := control.Kill(dir, store, workerID, ttl); err != nil {
		return nil, err
	}
	doc, err := store.Read()
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "status": doc.Status, "killed_trials": trialIDs(doc)}, nil
}

func trialIDs(doc *runcontrol.Document) []string {
	ids := make([]string, 0, len(doc.ActiveTrials))
	for id := range doc.ActiveTrials {
		ids = append(ids, id)
	}
	return ids
}

func parseKeyValueOverrides(flags []string) (map[string]any, error) {
	out := make(map[string]any, len(flags))
	for _, raw := range flags {
		key, value, ok := cutKV(raw)
		if !ok {
			return nil, usageErrorf("-set %q must be key=value", raw)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		out[key] = decoded
	}
	return out, nil
}

func cutKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
