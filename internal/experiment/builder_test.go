package experiment

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

func baseExperiment() ResolvedExperiment {
	return ResolvedExperiment{
		ExperimentID: "exp-1",
		WorkloadType: "coding-agent",
		Dataset: Dataset{
			SuiteID: "suite-a", Provider: "local", Path: "tasks.jsonl",
			SchemaVersion: "v1", Split: "test",
		},
		Design: Design{
			Comparison: ComparisonPaired, Scheduling: SchedulingPairedInterleaved,
			Replications: 1, MaxConcurrency: 2,
		},
		Baseline: VariantBinding{VariantID: "control", Bindings: map[string]any{"temperature": 0.0}},
		VariantPlan: []VariantBinding{
			{VariantID: "control", Bindings: map[string]any{"temperature": 0.0}},
			{VariantID: "treat", Bindings: map[string]any{"temperature": 0.7}},
		},
		Runtime: Runtime{
			AgentCommand: []string{"harness"},
			TimeoutMS:    60000,
			Sandbox:      SandboxPolicy{NetworkMode: NetworkNone},
		},
	}
}

func TestBuildAppliesOverridesInOrder(t *testing.T) {
	base := baseExperiment()
	overrides := []Override{
		{Pointer: "/design/replications", Value: float64(3), Source: SourceAdHoc},
		{Pointer: "/design/replications", Value: float64(2), Source: SourceManifestKnob},
	}

	resolved, digest, err := Build(base, overrides, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if resolved.Design.Replications != 3 {
		t.Fatalf("expected ad-hoc override (applied last) to win, got %d", resolved.Design.Replications)
	}
	if !strings.HasPrefix(digest, "sha256:") {
		t.Fatalf("expected sha256:-prefixed digest, got %s", digest)
	}
}

func TestBuildRejectsKnobOutOfRange(t *testing.T) {
	base := baseExperiment()
	maxVal := 1.0
	bounds := []KnobBound{{KnobID: "/design/replications", Max: &maxVal}}
	overrides := []Override{{Pointer: "/design/replications", Value: float64(5), Source: SourceAdHoc}}

	_, _, err := Build(base, overrides, bounds)
	if err == nil {
		t.Fatal("expected out-of-range error")
	}
	if code, ok := labrerr.CodeOf(err); !ok || code != labrerr.ConfigInvalid {
		t.Fatalf("expected config_invalid, got %v", code)
	}
}

func TestBuildRejectsUnknownPointer(t *testing.T) {
	base := baseExperiment()
	overrides := []Override{{Pointer: "/design/does_not_exist", Value: 1, Source: SourceAdHoc}}

	_, _, err := Build(base, overrides, nil)
	if err == nil {
		t.Fatal("expected unknown pointer error")
	}
}

func TestBuildRejectsDuplicateVariantIDs(t *testing.T) {
	base := baseExperiment()
	base.VariantPlan = append(base.VariantPlan, VariantBinding{VariantID: "treat"})

	_, _, err := Build(base, nil, nil)
	if err == nil {
		t.Fatal("expected duplicate variant id error")
	}
}

func TestDigestStableAcrossBuilds(t *testing.T) {
	base := baseExperiment()
	_, d1, err := Build(base, nil, nil)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	_, d2, err := Build(base, nil, nil)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected stable digest, got %s != %s", d1, d2)
	}
}

func TestLoadTasksRejectsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := "{\"id\":\"t0\",\"prompt\":\"a\"}\n{\"id\":\"t0\",\"prompt\":\"b\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadTasks(path, 0); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadTasksAppliesLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := "{\"id\":\"t0\"}\n{\"id\":\"t1\"}\n{\"id\":\"t2\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tasks, err := LoadTasks(path, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks after limit, got %d", len(tasks))
	}
}
