package trialrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/agentlab/internal/artifact"
	"github.com/antigravity-dev/agentlab/internal/executor"
	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
	"github.com/antigravity-dev/agentlab/internal/schedule"
)

// fakeHarness is a minimal shell harness used in place of a real agent
// binary: it reads the three positional file arguments the executor
// appends and writes a terminal trial_output.json.
const fakeHarnessScript = `#!/bin/sh
out="$3"
cat > "$out" <<'EOF'
{"status":"succeeded","outcome":"ok","objective":{"name":"score","value":1},"metrics":{"score":1}}
EOF
`

func writeFakeHarness(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake_harness.sh")
	if err := os.WriteFile(path, []byte(fakeHarnessScript), 0o755); err != nil {
		t.Fatalf("write fake harness: %v", err)
	}
	return path
}

func TestRunnerRunTrialSucceeds(t *testing.T) {
	root := t.TempDir()
	dir, err := rundir.Create(root, "run-1")
	if err != nil {
		t.Fatalf("create rundir: %v", err)
	}
	if err := runcontrol.Init(dir.RunControlPath(), "run-1"); err != nil {
		t.Fatalf("init run control: %v", err)
	}
	store := runcontrol.Open(dir.RunControlPath())

	artifacts, err := artifact.Open(dir.ArtifactsDir())
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}

	harness := writeFakeHarness(t, root)
	resolved := &experiment.ResolvedExperiment{
		Baseline: experiment.VariantBinding{VariantID: "control", Bindings: map[string]any{}},
		Runtime: experiment.Runtime{
			AgentCommand: []string{"/bin/sh", harness},
			TimeoutMS:    0,
		},
	}
	tasks := []experiment.Task{{ID: "t0", Fields: map[string]any{"id": "t0", "prompt": "hi"}}}

	runner := New(dir, resolved, tasks, executor.ModeLocalProcess, executor.RemoteConfig{}, store, artifacts)

	slot := schedule.Slot{ScheduleIdx: 0, VariantID: "control", TaskID: "t0", TaskIdx: 0, ReplIdx: 0}
	result, err := runner.RunTrial(context.Background(), slot, "run-1:0")
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if result.Status != executor.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}

	trial := dir.Trial("run-1:0")
	if _, err := os.Stat(trial.OutputPath()); err != nil {
		t.Fatalf("expected trial_output.json to exist: %v", err)
	}
	if _, err := os.Stat(trial.EventsPath()); err != nil {
		t.Fatalf("expected events.jsonl to exist: %v", err)
	}
	factsBytes, err := os.ReadFile(dir.TrialsFactPath())
	if err != nil {
		t.Fatalf("read facts: %v", err)
	}
	if len(factsBytes) == 0 {
		t.Fatalf("expected a committed facts row")
	}
}

func TestRunnerRunTrialMissingOutputIsFailed(t *testing.T) {
	root := t.TempDir()
	dir, err := rundir.Create(root, "run-2")
	if err != nil {
		t.Fatalf("create rundir: %v", err)
	}
	if err := runcontrol.Init(dir.RunControlPath(), "run-2"); err != nil {
		t.Fatalf("init run control: %v", err)
	}
	store := runcontrol.Open(dir.RunControlPath())

	artifacts, err := artifact.Open(dir.ArtifactsDir())
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}

	resolved := &experiment.ResolvedExperiment{
		Baseline: experiment.VariantBinding{VariantID: "control"},
		Runtime:  experiment.Runtime{AgentCommand: []string{"/bin/sh", "-c", "exit 0"}},
	}
	tasks := []experiment.Task{{ID: "t0", Fields: map[string]any{"id": "t0"}}}
	runner := New(dir, resolved, tasks, executor.ModeLocalProcess, executor.RemoteConfig{}, store, artifacts)

	slot := schedule.Slot{ScheduleIdx: 0, VariantID: "control", TaskID: "t0"}
	_, err = runner.RunTrial(context.Background(), slot, "run-2:0")
	if err == nil {
		t.Fatalf("expected harness_output_invalid error for missing trial_output.json")
	}
}
