package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/antigravity-dev/agentlab/internal/analysis"
	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/schedule"
)

func cmdViews(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("views")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	views, err := analysis.ListViews(dir)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "views": views}, nil
}

// cmdViewsLive re-materializes the fact tables from whatever trials
// have committed so far, then lists the resulting views — an
// incremental-materialization path useful while a run is still in
// progress.
func cmdViewsLive(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("views-live")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, store, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	resolved, _, err := loadResolvedExperiment(dir.ResolvedExperimentPath())
	if err != nil {
		return nil, err
	}
	doc, err := store.Read()
	if err != nil {
		return nil, err
	}
	tasks, err := experiment.LoadTasks(resolved.Dataset.Path, resolved.Dataset.Limit)
	if err != nil {
		return nil, err
	}
	refs := committedTrialRefs(*runID, resolved, tasks, doc.CommittedSlots)
	if err := analysis.Materialize(dir, resolved, refs); err != nil {
		return nil, err
	}
	views, err := analysis.ListViews(dir)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "committed": len(refs), "views": views}, nil
}

func cmdQuery(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("query")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	sqlText := fs.String("sql", "", "read-only SQL statement to run (required unless -view is given)")
	view := fs.String("view", "", "view name to query instead of -sql, e.g. -view ab_test")
	limit := fs.Int("limit", 1000, "row limit for -view queries")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}

	if *view != "" {
		rows, err := analysis.QueryView(dir, *view, *limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"run_id": *runID, "rows": rows}, nil
	}
	if *sqlText == "" {
		return nil, usageErrorf("query: one of -sql or -view is required")
	}
	rows, err := analysis.QueryRun(dir, *sqlText)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "rows": rows}, nil
}

func cmdScoreboard(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("scoreboard")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	rows, err := analysis.QueryRun(dir, "SELECT * FROM variant_summary ORDER BY primary_metric_mean DESC")
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "scoreboard": rows}, nil
}

// cmdTrend reports each variant's values of the -metric metric in
// schedule_idx order, a lightweight read-only view over metrics_long
// joined against trials by trial_id — enough to see whether a metric is drifting
// across the run without a general query language beyond read-only SQL.
func cmdTrend(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("trend")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	metric := fs.String("metric", "", "metric name to trend (required)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *metric == "" {
		return nil, usageErrorf("trend: -metric is required")
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}
	rows, err := analysis.QueryRun(dir, `
SELECT t.schedule_idx, m.variant_id, m.value
FROM metrics_long m
JOIN trials t ON t.trial_id = m.trial_id
WHERE m.metric_name = '`+sqlEscape(*metric)+`'
ORDER BY t.schedule_idx`)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "metric": *metric, "trend": rows}, nil
}

func sqlEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// committedTrialRefs rebuilds the schedule and filters it down to the
// slots run-control has recorded as committed, the same slot->ref
// mapping executeResolvedRun uses at the end of a run.
func committedTrialRefs(runID string, resolved *experiment.ResolvedExperiment, tasks []experiment.Task, committed []int) []analysis.TrialRef {
	slots := schedule.Plan(resolved, tasks)
	done := make(map[int]bool, len(committed))
	for _, idx := range committed {
		done[idx] = true
	}
	refs := make([]analysis.TrialRef, 0, len(committed))
	for _, s := range slots {
		if !done[s.ScheduleIdx] {
			continue
		}
		refs = append(refs, analysis.TrialRef{
			TrialID: fmt.Sprintf("%s:%d", runID, s.ScheduleIdx), ScheduleIdx: s.ScheduleIdx,
			VariantID: s.VariantID, TaskID: s.TaskID, ReplIdx: s.ReplIdx,
		})
	}
	return refs
}
