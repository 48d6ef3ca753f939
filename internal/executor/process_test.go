package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func writeFixtureFiles(t *testing.T, dir string) (input, control, output, events string) {
	t.Helper()
	input = filepath.Join(dir, "trial_input.json")
	control = filepath.Join(dir, "trial_control.json")
	output = filepath.Join(dir, "trial_output.json")
	events = filepath.Join(dir, "events.jsonl")
	return
}

func TestProcessExecutorSucceeds(t *testing.T) {
	dir := t.TempDir()
	input, control, output, events := writeFixtureFiles(t, dir)

	exec := NewProcessExecutor()
	spec := Spec{
		TrialID:      "run-1:0",
		WorkDir:      dir,
		InputPath:    input,
		ControlPath:  control,
		OutputPath:   output,
		EventsPath:   events,
		AgentCommand: []string{"true"},
		TimeoutMS:    5000,
	}
	if err := exec.Prepare(context.Background(), spec); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := exec.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := exec.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", res.Status)
	}
}

func TestProcessExecutorFails(t *testing.T) {
	dir := t.TempDir()
	input, control, output, events := writeFixtureFiles(t, dir)

	exec := NewProcessExecutor()
	spec := Spec{
		TrialID:      "run-1:1",
		WorkDir:      dir,
		InputPath:    input,
		ControlPath:  control,
		OutputPath:   output,
		EventsPath:   events,
		AgentCommand: []string{"false"},
	}
	if err := exec.Prepare(context.Background(), spec); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := exec.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := exec.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
}

func TestProcessExecutorTerminateKillsLongRunning(t *testing.T) {
	dir := t.TempDir()
	input, control, output, events := writeFixtureFiles(t, dir)

	exec := NewProcessExecutor()
	spec := Spec{
		TrialID:      "run-1:2",
		WorkDir:      dir,
		InputPath:    input,
		ControlPath:  control,
		OutputPath:   output,
		EventsPath:   events,
		AgentCommand: []string{"sleep", "30"},
	}
	if err := exec.Prepare(context.Background(), spec); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := exec.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := exec.Terminate(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := exec.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Status != StatusKilled {
		t.Fatalf("expected killed, got %s", res.Status)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(Mode("bogus"), RemoteConfig{}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
