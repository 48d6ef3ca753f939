// Package trialrun implements the per-trial lifecycle: writing
// trial_input.json, constructing the mode-appropriate
// internal/executor.Executor, enforcing the wall-clock timeout, draining
// the control-plane poll loop, parsing the harness's terminal
// trial_output.json, appending the trial.finished event to the hash
// chain, and committing the trial's row to facts/trials.jsonl. It is
// the TrialRunner the orchestrator drives: stage a dispatch, poll for
// completion, record the result.
package trialrun

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/antigravity-dev/agentlab/internal/artifact"
	"github.com/antigravity-dev/agentlab/internal/eventlog"
	"github.com/antigravity-dev/agentlab/internal/executor"
	"github.com/antigravity-dev/agentlab/internal/experiment"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
	"github.com/antigravity-dev/agentlab/internal/rundir"
	"github.com/antigravity-dev/agentlab/internal/runcontrol"
	"github.com/antigravity-dev/agentlab/internal/schedule"
)

// TerminationGrace is how long Terminate waits for a cooperative stop
// before the executor forces termination.
const TerminationGrace = 5 * time.Second

// ControlPollInterval is how often awaitWithControl polls the run-control
// document for a stop request on the trial or a killed run.
const ControlPollInterval = 1 * time.Second

// harnessOutput mirrors the file the harness writes at
// trials/<trial_id>/trial_output.json.
type harnessOutput struct {
	Status    string  `json:"status"`
	Outcome   string  `json:"outcome"`
	Objective struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	} `json:"objective"`
	Metrics map[string]float64 `json:"metrics"`
	Error   string              `json:"error,omitempty"`
}

// Runner constructs one executor.Executor per slot and drives it to
// completion, implementing orchestrator.TrialRunner.
type Runner struct {
	Dir        rundir.Dir
	Resolved   *experiment.ResolvedExperiment
	Tasks      map[string]experiment.Task
	Mode       executor.Mode
	RemoteCfg  executor.RemoteConfig
	Control    *runcontrol.Store
	Artifacts  *artifact.Store
}

// New constructs a Runner. tasks is keyed by task id so trial inputs can
// embed the full dataset row alongside the slot's bindings.
func New(dir rundir.Dir, resolved *experiment.ResolvedExperiment, tasks []experiment.Task, mode executor.Mode, remoteCfg executor.RemoteConfig, control *runcontrol.Store, artifacts *artifact.Store) *Runner {
	byID := make(map[string]experiment.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return &Runner{Dir: dir, Resolved: resolved, Tasks: byID, Mode: mode, RemoteCfg: remoteCfg, Control: control, Artifacts: artifacts}
}

// RunTrial executes one assigned slot end to end: materialize inputs,
// launch the executor, await completion, and record the outcome.
func (r *Runner) RunTrial(ctx context.Context, slot schedule.Slot, trialID string) (executor.Result, error) {
	trial := r.Dir.Trial(trialID)
	if err := trial.Ensure(); err != nil {
		return executor.Result{}, fmt.Errorf("trialrun: create trial dir for %s: %w", trialID, err)
	}

	binding := r.bindingFor(slot.VariantID)
	if err := r.writeTrialInput(trial, slot, binding); err != nil {
		return executor.Result{}, err
	}
	if err := writeTrialControl(trial, runcontrol.TrialControl{}); err != nil {
		return executor.Result{}, err
	}

	log, err := eventlog.Open(trial.EventsPath())
	if err != nil {
		return executor.Result{}, fmt.Errorf("trialrun: open event log for %s: %w", trialID, err)
	}
	defer log.Close()

	exec, err := executor.New(r.Mode, r.RemoteCfg)
	if err != nil {
		return executor.Result{}, labrerr.Wrap(labrerr.TrialFailed, "construct executor", err)
	}

	spec := executor.Spec{
		TrialID:      trialID,
		RunID:        r.Dir.RunID,
		WorkDir:      trial.Root,
		InputPath:    trial.InputPath(),
		ControlPath:  trial.ControlPath(),
		OutputPath:   trial.OutputPath(),
		EventsPath:   trial.EventsPath(),
		AgentCommand: r.Resolved.Runtime.AgentCommand,
		Image:        r.Resolved.Runtime.Image,
		TimeoutMS:    r.Resolved.Runtime.TimeoutMS,
		Sandbox:      translateSandbox(r.Resolved.Runtime.Sandbox),
	}
	if r.Resolved.Runtime.TimeoutMS <= 0 {
		spec.TimeoutMS = 0
	}

	if err := exec.Prepare(ctx, spec); err != nil {
		return r.commitFailure(log, trial, trialID, slot, labrerr.Wrap(labrerr.TrialFailed, "prepare executor", err))
	}
	if err := exec.Launch(ctx); err != nil {
		return r.commitFailure(log, trial, trialID, slot, labrerr.Wrap(labrerr.TrialFailed, "launch executor", err))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result, awaitErr := r.awaitWithControl(runCtx, exec, trial, trialID)

	if awaitErr != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			// Our own deadline, not the caller's, expired: request a
			// stop via the control file before
			// forcing termination.
			markTrialControlStop(trial)
			_ = exec.Terminate(context.Background(), TerminationGrace)
			result.Status = executor.StatusTimeout
		} else {
			_ = exec.Terminate(context.Background(), TerminationGrace)
			if result.Status == "" {
				result.Status = executor.StatusKilled
			}
		}
	}

	return r.commitResult(log, trial, trialID, slot, result)
}

// awaitWithControl polls the run-control document at ControlPollInterval
// while waiting on the executor, terminating it early once a stop is
// requested for this trial or the run is killed. This is the in-process
// equivalent of trial_control.json, which the out-of-process harness
// polls independently for the same signal.
func (r *Runner) awaitWithControl(ctx context.Context, exec executor.Executor, trial rundir.TrialDir, trialID string) (executor.Result, error) {
	resultCh := make(chan executor.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := exec.Await(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	ticker := time.NewTicker(ControlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-resultCh:
			return res, nil
		case err := <-errCh:
			return executor.Result{}, err
		case <-ticker.C:
			if r.stopRequested(trialID) {
				_ = exec.Terminate(context.Background(), TerminationGrace)
			}
		}
	}
}

func (r *Runner) stopRequested(trialID string) bool {
	if r.Control == nil {
		return false
	}
	doc, err := r.Control.Read()
	if err != nil {
		return false
	}
	if doc.Status == runcontrol.StatusKilled {
		return true
	}
	at, ok := doc.ActiveTrials[trialID]
	return ok && at.Control.StopRequested
}

func (r *Runner) bindingFor(variantID string) experiment.VariantBinding {
	for _, v := range r.Resolved.AllVariants() {
		if v.VariantID == variantID {
			return v
		}
	}
	return experiment.VariantBinding{VariantID: variantID}
}

func (r *Runner) writeTrialInput(trial rundir.TrialDir, slot schedule.Slot, binding experiment.VariantBinding) error {
	input := map[string]any{
		"trial_id":     fmt.Sprintf("%s:%d", r.Dir.RunID, slot.ScheduleIdx),
		"schedule_idx": slot.ScheduleIdx,
		"variant_id":   slot.VariantID,
		"repl_idx":     slot.ReplIdx,
		"task":         r.Tasks[slot.TaskID].Fields,
		"bindings":     binding.Bindings,
		"runtime": map[string]any{
			"timeout_ms":   r.Resolved.Runtime.TimeoutMS,
			"network_mode": r.Resolved.Runtime.NetworkMode,
		},
	}
	b, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Errorf("trialrun: marshal trial input: %w", err)
	}
	return os.WriteFile(trial.InputPath(), b, 0o644)
}

func writeTrialControl(trial rundir.TrialDir, tc runcontrol.TrialControl) error {
	b, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return fmt.Errorf("trialrun: marshal trial control: %w", err)
	}
	return os.WriteFile(trial.ControlPath(), b, 0o644)
}

func markTrialControlStop(trial rundir.TrialDir) {
	_ = writeTrialControl(trial, runcontrol.TrialControl{StopRequested: true})
}

func translateSandbox(s experiment.SandboxPolicy) executor.SandboxPolicy {
	return executor.SandboxPolicy{
		ReadOnlyRoot:     s.ReadOnlyRoot,
		NonRootUser:      s.NonRootUser,
		DropCapabilities: s.DropCapabilities,
		NoNewPrivileges:  s.NoNewPrivileges,
		CPULimit:         s.CPULimit,
		MemoryLimitMB:    s.MemoryLimitMB,
		NetworkMode:      string(s.NetworkMode),
		NetworkAllowlist: s.NetworkAllowlist,
	}
}

// commitFailure appends a trial.finished event recording a structured
// preparation/launch error and writes the committed facts row, without
// ever invoking the harness.
func (r *Runner) commitFailure(log *eventlog.Log, trial rundir.TrialDir, trialID string, slot schedule.Slot, cause error) (executor.Result, error) {
	result := executor.Result{Status: executor.StatusFailed, CompletedAt: time.Now().UTC(), Detail: cause.Error()}
	out := harnessOutput{Status: "failed", Outcome: "error", Error: cause.Error()}
	if err := r.writeOutputAndFacts(trial, trialID, slot, out); err != nil {
		return result, err
	}
	r.appendFinished(log, trialID, result, nil)
	return result, cause
}

// commitResult finalizes a trial that actually ran: parses
// trial_output.json (or records harness_output_invalid), appends the
// chained trial.finished event with artifact refs for stdout/stderr,
// and atomically commits the trial's facts row.
func (r *Runner) commitResult(log *eventlog.Log, trial rundir.TrialDir, trialID string, slot schedule.Slot, result executor.Result) (executor.Result, error) {
	out, parseErr := readHarnessOutput(trial.OutputPath())
	if parseErr != nil {
		out = &harnessOutput{Status: statusForResult(result), Outcome: "error", Error: parseErr.Error()}
	} else if result.Status == executor.StatusTimeout {
		out.Status = "timeout"
	} else if result.Status == executor.StatusKilled {
		out.Status = "killed"
	}

	if err := r.writeOutputAndFacts(trial, trialID, slot, *out); err != nil {
		return result, err
	}

	var refs map[string]artifact.Ref
	if r.Artifacts != nil {
		refs = r.putStdioArtifacts(trial)
	}
	r.appendFinished(log, trialID, result, refs)

	if parseErr != nil {
		return result, labrerr.Wrap(labrerr.HarnessOutputInvalid, fmt.Sprintf("trial %s output", trialID), parseErr)
	}
	switch result.Status {
	case executor.StatusTimeout:
		return result, labrerr.Newf(labrerr.TrialTimeout, "trial %s timed out", trialID)
	case executor.StatusKilled:
		return result, labrerr.Newf(labrerr.TrialKilled, "trial %s was killed", trialID)
	case executor.StatusFailed:
		return result, labrerr.Newf(labrerr.TrialFailed, "trial %s harness exited non-zero", trialID)
	default:
		return result, nil
	}
}

func statusForResult(result executor.Result) string {
	switch result.Status {
	case executor.StatusTimeout:
		return "timeout"
	case executor.StatusKilled:
		return "killed"
	default:
		return "failed"
	}
}

func readHarnessOutput(path string) (*harnessOutput, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing trial_output.json: %w", err)
	}
	var out harnessOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("malformed trial_output.json: %w", err)
	}
	if out.Status == "" {
		return nil, fmt.Errorf("trial_output.json missing status")
	}
	return &out, nil
}

// writeOutputAndFacts performs the single-atomic-rename commit of the
// trial row: the terminal output is written to a temp file and renamed
// into place only once, so a crash mid-write never leaves a partial
// trial_output.json observable.
func (r *Runner) writeOutputAndFacts(trial rundir.TrialDir, trialID string, slot schedule.Slot, out harnessOutput) error {
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("trialrun: marshal trial output: %w", err)
	}
	tmp := trial.OutputPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("trialrun: write trial output temp: %w", err)
	}
	if err := os.Rename(tmp, trial.OutputPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("trialrun: commit trial output: %w", err)
	}

	row := map[string]any{
		"run_id": r.Dir.RunID, "trial_id": trialID, "schedule_idx": slot.ScheduleIdx,
		"variant_id": slot.VariantID, "task_id": slot.TaskID, "repl_idx": slot.ReplIdx,
		"status": out.Status, "outcome": out.Outcome,
		"objective_name": out.Objective.Name, "objective_value": out.Objective.Value,
	}
	return appendJSONLRow(r.Dir.TrialsFactPath(), row)
}

func appendJSONLRow(path string, row map[string]any) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("trialrun: open facts file %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(row); err != nil {
		return fmt.Errorf("trialrun: encode facts row: %w", err)
	}
	return w.Flush()
}

func (r *Runner) putStdioArtifacts(trial rundir.TrialDir) map[string]artifact.Ref {
	refs := make(map[string]artifact.Ref)
	stdioPath := trial.EventsPath() + ".stdio.log"
	if b, err := os.ReadFile(stdioPath); err == nil {
		if ref, err := r.Artifacts.PutBytes(b); err == nil {
			refs["stdio"] = ref
		}
	}
	if b, err := os.ReadFile(trial.OutputPath()); err == nil {
		if ref, err := r.Artifacts.PutBytes(b); err == nil {
			refs["output"] = ref
		}
	}
	return refs
}

func (r *Runner) appendFinished(log *eventlog.Log, trialID string, result executor.Result, refs map[string]artifact.Ref) {
	payload := map[string]any{
		"status":    result.Status,
		"exit_code": result.ExitCode,
	}
	if len(refs) > 0 {
		artifacts := make(map[string]string, len(refs))
		for k, v := range refs {
			artifacts[k] = string(v)
		}
		payload["artifacts"] = artifacts
	}
	line := map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"kind":     "trial.finished",
		"trial_id": trialID,
		"payload":  payload,
	}
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	_, _ = log.Append(string(b))
}
