package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/agentlab/internal/labconfig"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
)

// cmdRuns lists every run directory under the lab root, each with its
// status and schedule cursor.
func cmdRuns(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("runs")
	configPath := fs.String("config", "lab.toml", "path to lab.toml")
	labRootFlag := fs.String("lab-root", "", "lab root directory override")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	cfg, err := labconfig.Load(*configPath)
	if err != nil {
		return nil, err
	}
	labRoot := *labRootFlag
	if labRoot == "" {
		labRoot = cfg.General.LabRoot
	}

	entries, err := os.ReadDir(filepath.Join(labRoot, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"runs": []any{}}, nil
		}
		return nil, err
	}

	runs := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		dir := rundir.Open(labRoot, runID)
		manifest, err := rundir.ReadManifest(dir)
		if err != nil {
			continue
		}
		digest, _ := os.ReadFile(dir.ResolvedExperimentDigestPath())
		store := runcontrol.Open(dir.RunControlPath())
		doc, err := store.Read()
		summary := map[string]any{
			"run_id": runID, "created_at": manifest.CreatedAt, "digest": string(digest),
		}
		if err == nil {
			summary["status"] = doc.Status
			summary["schedule_cursor"] = doc.ScheduleCursor
			summary["committed"] = len(doc.CommittedSlots)
		}
		runs = append(runs, summary)
	}
	return map[string]any{"runs": runs}, nil
}
