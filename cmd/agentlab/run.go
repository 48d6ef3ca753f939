package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/agentlab/internal/analysis"
	"github.com/antigravity-dev/agentlab/internal/artifact"
	"github.com/antigravity-dev/agentlab/internal/canonjson"
	"github.com/antigravity-dev/agentlab/internal/executor"
	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/labconfig"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
	"github.com/antigravity-dev/agentlab/internal/orchestrator"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
	"github.com/antigravity-dev/agentlab/internal/schedule"
	"github.com/antigravity-dev/agentlab/internal/trialrun"
)

// runFlags is shared by run, run-dev, and run-experiment.
type runFlags struct {
	labRoot        string
	configPath     string
	resolvedPath   string
	datasetPath    string
	runID          string
	mode           string
	maxConcurrency int
	remoteTokenEnv string
	remoteEndpoint string
}

func bindRunFlags(fs *flag.FlagSet) *runFlags {
	f := &runFlags{}
	fs.StringVar(&f.labRoot, "lab-root", "", "lab root directory (defaults to lab.toml general.lab_root)")
	fs.StringVar(&f.configPath, "config", "lab.toml", "path to lab.toml")
	fs.StringVar(&f.resolvedPath, "resolved", "", "path to a resolved_experiment.json produced by an external collaborator")
	fs.StringVar(&f.datasetPath, "dataset", "", "path to the dataset JSONL file (overrides resolved.dataset.path)")
	fs.StringVar(&f.runID, "run-id", "", "run id (generated if empty)")
	fs.StringVar(&f.mode, "mode", "", "executor mode override: local_process|local_container|remote")
	fs.IntVar(&f.maxConcurrency, "max-concurrency", 0, "max_concurrency override")
	fs.StringVar(&f.remoteTokenEnv, "remote-token-env", "", "env var name carrying the remote executor bearer token")
	fs.StringVar(&f.remoteEndpoint, "remote-endpoint", "", "remote executor HTTP endpoint")
	fs.Bool("dev", false, "use text log format (default is JSON)")
	return f
}

func cmdRun(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	return doRun(ctx, logger, args, false)
}

func cmdRunDev(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	return doRun(ctx, logger, args, true)
}

func doRun(ctx context.Context, logger *slog.Logger, args []string, devMode bool) (any, error) {
	fs := newFlagSet("run")
	f := bindRunFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if f.resolvedPath == "" {
		return nil, usageErrorf("run: -resolved is required (a resolved_experiment.json from the external config/schema collaborator)")
	}
	if devMode && f.mode == "" {
		f.mode = string(executor.ModeLocalProcess)
	}

	resolved, digest, err := loadResolvedExperiment(f.resolvedPath)
	if err != nil {
		return nil, err
	}

	return executeResolvedRun(ctx, logger, f, resolved, digest)
}

func cmdRunExperiment(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("run-experiment")
	f := bindRunFlags(fs)
	basePath := fs.String("base", "", "path to a baseline resolved-experiment JSON document to merge overrides into")
	var setFlags stringSlice
	fs.Var(&setFlags, "set", "ad-hoc JSON-pointer override, e.g. -set /design/replications=3 (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *basePath == "" {
		return nil, usageErrorf("run-experiment: -base is required")
	}

	var base experiment.ResolvedExperiment
	raw, err := os.ReadFile(*basePath)
	if err != nil {
		return nil, labrerr.Wrap(labrerr.ConfigInvalid, "read base experiment", err)
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, labrerr.Wrap(labrerr.ConfigInvalid, "decode base experiment", err)
	}

	overrides, err := parseAdHocOverrides(setFlags)
	if err != nil {
		return nil, err
	}

	resolved, digest, err := experiment.Build(base, overrides, nil)
	if err != nil {
		return nil, err
	}

	return executeResolvedRun(ctx, logger, f, resolved, digest)
}

// parseAdHocOverrides turns -set /pointer=value flags into
// experiment.Override values applied last, per the builder's
// "ad-hoc last" ordering.
func parseAdHocOverrides(flags []string) ([]experiment.Override, error) {
	overrides := make([]experiment.Override, 0, len(flags))
	for _, raw := range flags {
		pointer, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, usageErrorf("run-experiment: -set %q must be pointer=value", raw)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value // bare strings need not be JSON-quoted
		}
		overrides = append(overrides, experiment.Override{Pointer: pointer, Value: decoded, Source: experiment.SourceAdHoc})
	}
	return overrides, nil
}

func loadResolvedExperiment(path string) (*experiment.ResolvedExperiment, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", labrerr.Wrap(labrerr.ConfigInvalid, "read resolved experiment", err)
	}
	var resolved experiment.ResolvedExperiment
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return nil, "", labrerr.Wrap(labrerr.ConfigInvalid, "decode resolved experiment", err)
	}
	if err := experiment.Validate(&resolved); err != nil {
		return nil, "", err
	}
	digest, err := experiment.Digest(&resolved)
	if err != nil {
		return nil, "", err
	}
	return &resolved, digest, nil
}

// executeResolvedRun materializes a fresh run directory for resolved,
// builds its schedule, and drives the orchestrator to completion,
// materializing analysis views once the orchestrator returns.
func executeResolvedRun(ctx context.Context, logger *slog.Logger, f *runFlags, resolved *experiment.ResolvedExperiment, digest string) (any, error) {
	cfg, err := labconfig.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	labRoot := f.labRoot
	if labRoot == "" {
		labRoot = cfg.General.LabRoot
	}

	runID := f.runID
	if runID == "" {
		runID = newRunID()
	}

	dir, err := rundir.Create(labRoot, runID)
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	rawResolved, err := canonjson.CanonicalizeValue(resolved)
	if err != nil {
		return nil, err
	}
	if err := rundir.WriteResolvedExperiment(dir, rawResolved, digest); err != nil {
		return nil, err
	}
	if err := runcontrol.Init(dir.RunControlPath(), runID); err != nil {
		return nil, err
	}

	datasetPath := f.datasetPath
	if datasetPath == "" {
		datasetPath = resolved.Dataset.Path
	}
	tasks, err := experiment.LoadTasks(datasetPath, resolved.Dataset.Limit)
	if err != nil {
		return nil, err
	}

	slots := schedule.Plan(resolved, tasks)

	mode := executor.Mode(f.mode)
	if mode == "" {
		mode = executor.Mode(cfg.Runtime.DefaultMode)
	}
	maxConcurrency := f.maxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = resolved.Design.MaxConcurrency
	}

	artifacts, err := artifact.Open(dir.ArtifactsDir())
	if err != nil {
		return nil, err
	}
	control := runcontrol.Open(dir.RunControlPath())
	remoteEndpoint := f.remoteEndpoint
	if remoteEndpoint == "" {
		remoteEndpoint = cfg.Runtime.RemoteEndpoint
	}
	remoteTokenEnv := f.remoteTokenEnv
	if remoteTokenEnv == "" {
		remoteTokenEnv = cfg.Runtime.RemoteTokenEnv
	}
	runner := trialrun.New(dir, resolved, tasks, mode, executor.RemoteConfig{
		Endpoint:    remoteEndpoint,
		TokenEnvVar: remoteTokenEnv,
	}, control, artifacts)

	workerID := uuid.NewString()
	leaseTTL := time.Duration(cfg.General.DefaultLeaseTTLS) * time.Second
	heartbeat := time.Duration(cfg.General.DefaultHeartbeatS) * time.Second

	orch := orchestrator.New(orchestrator.Config{
		RunID:          runID,
		WorkerID:       workerID,
		MaxConcurrency: maxConcurrency,
		LeaseTTL:       leaseTTL,
		Heartbeat:      heartbeat,
		PollInterval:   cfg.General.PollInterval.Duration,
		Logger:         logger,
	}, dir, control, runner)

	runErr := orch.Run(ctx, slots)

	finalStatus := runcontrol.StatusCompleted
	if runErr != nil {
		finalStatus = runcontrol.StatusFailed
	}
	_ = control.Mutate(func(doc *runcontrol.Document) error {
		if doc.Status == runcontrol.StatusRunning {
			doc.Status = finalStatus
		}
		return nil
	})

	refs := trialRefsFromSlots(runID, slots)
	if matErr := analysis.Materialize(dir, resolved, refs); matErr != nil {
		logger.Warn("materialization failed", "run_id", runID, "error", matErr)
		writeMaterializeSidecar(dir, cfg.Analysis.SidecarLog, matErr)
	}

	doc, _ := control.Read()
	result := map[string]any{
		"run_id": runID, "status": statusOf(doc), "slots": len(slots),
		"digest": digest,
	}
	if runErr != nil {
		return result, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return result, nil
}

func statusOf(doc *runcontrol.Document) string {
	if doc == nil {
		return ""
	}
	return string(doc.Status)
}

func trialRefsFromSlots(runID string, slots []schedule.Slot) []analysis.TrialRef {
	refs := make([]analysis.TrialRef, len(slots))
	for i, s := range slots {
		refs[i] = analysis.TrialRef{
			TrialID: fmt.Sprintf("%s:%d", runID, s.ScheduleIdx), ScheduleIdx: s.ScheduleIdx,
			VariantID: s.VariantID, TaskID: s.TaskID, ReplIdx: s.ReplIdx,
		}
	}
	return refs
}

func writeMaterializeSidecar(dir rundir.Dir, sidecarRel string, cause error) {
	path := dir.AnalysisDir() + "/materialize_errors.log"
	if sidecarRel != "" {
		path = dir.Root + "/" + sidecarRel
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s materialization_failed: %v\n", time.Now().UTC().Format(time.RFC3339), cause)
}

func newRunID() string {
	return time.Now().UTC().Format("20060102T150405.000000000Z") + "-" + uuid.NewString()[:8]
}

// stringSlice implements flag.Value for repeatable -set flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}
