package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/schedule"
)

func cmdDescribe(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("describe")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}

	manifest, err := rundir.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	doc, err := store.Read()
	if err != nil {
		return nil, err
	}
	resolved, _, err := loadResolvedExperiment(dir.ResolvedExperimentPath())
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"manifest":   manifest,
		"status":     doc.Status,
		"cursor":     doc.ScheduleCursor,
		"committed":  len(doc.CommittedSlots),
		"variants":   resolved.VariantIDs(),
		"design":     resolved.Design,
		"owner":      doc.OwnerLease,
	}, nil
}

// cmdPreflight validates a would-be resolved experiment and reports the
// schedule it would produce, without creating a run directory or
// touching the run-control store — a dry run of everything "run" does
// up to (but not including) orchestration.
func cmdPreflight(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("preflight")
	resolvedPath := fs.String("resolved", "", "path to a resolved_experiment.json to validate (required)")
	datasetPath := fs.String("dataset", "", "dataset JSONL path override")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *resolvedPath == "" {
		return nil, usageErrorf("preflight: -resolved is required")
	}

	raw, err := os.ReadFile(*resolvedPath)
	if err != nil {
		return nil, labrerr.Wrap(labrerr.ConfigInvalid, "read resolved experiment", err)
	}
	var resolved experiment.ResolvedExperiment
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return nil, labrerr.Wrap(labrerr.ConfigInvalid, "decode resolved experiment", err)
	}
	if err := experiment.Validate(&resolved); err != nil {
		return nil, err
	}
	digest, err := experiment.Digest(&resolved)
	if err != nil {
		return nil, err
	}

	path := *datasetPath
	if path == "" {
		path = resolved.Dataset.Path
	}
	tasks, err := experiment.LoadTasks(path, resolved.Dataset.Limit)
	if err != nil {
		return nil, err
	}
	slots := schedule.Plan(&resolved, tasks)

	return map[string]any{
		"valid": true, "digest": digest, "slot_count": len(slots),
		"variant_count": len(resolved.VariantIDs()), "task_count": len(tasks),
	}, nil
}
