package control

import (
	"bytes"
	"fmt"
	"os"

	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// ReplayResult is the outcome of re-executing a completed trial.
type ReplayResult struct {
	TrialID string      `json:"trial_id"`
	Grade   ReplayGrade `json:"replay_grade"`
	Strict  bool        `json:"strict"`
}

// Replay re-executes a completed trial from its recorded
// trial_input.json (the caller is responsible for invoking an
// internal/executor.Executor with that input and producing
// newOutputBytes) and grades the result against the original
// trial_output.json: byte-identical output grades "exact", any
// difference grades "divergent". strict=true additionally fails the
// operation (rather than just downgrading the grade) when the outputs
// differ.
func Replay(dir rundir.Dir, trialID string, newOutputBytes []byte, strict bool) (*ReplayResult, error) {
	trial := dir.Trial(trialID)

	original, err := os.ReadFile(trial.OutputPath())
	if err != nil {
		return nil, fmt.Errorf("control: read original trial output for %s: %w", trialID, err)
	}

	grade := ReplayDivergent
	if bytes.Equal(original, newOutputBytes) {
		grade = ReplayExact
	}

	result := &ReplayResult{TrialID: trialID, Grade: grade, Strict: strict}
	if strict && grade != ReplayExact {
		return result, fmt.Errorf("control: strict replay of %s diverged from recorded output", trialID)
	}
	return result, nil
}
