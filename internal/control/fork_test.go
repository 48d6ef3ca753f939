package control

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/agentlab/internal/eventlog"
	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// setUpForkSource builds a one-trial run with a checkpoint event and a
// trial_input.json, the minimum a fork needs to locate and replay from.
func setUpForkSource(t *testing.T) (rundir.Dir, string) {
	t.Helper()
	dir, err := rundir.Create(t.TempDir(), "run-src")
	require.NoError(t, err)

	trial := dir.Trial("run-src:0")
	require.NoError(t, trial.Ensure())

	log, err := eventlog.Open(trial.EventsPath())
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append(`{"ts":"2026-01-01T00:00:00Z","kind":"trial.started","trial_id":"run-src:0"}`)
	require.NoError(t, err)
	_, err = log.Append(`{"ts":"2026-01-01T00:00:01Z","kind":"checkpoint","trial_id":"run-src:0","payload":{"label":"mid"}}`)
	require.NoError(t, err)

	input := map[string]any{"trial_id": "run-src:0", "bindings": map[string]any{"temperature": 0.2}}
	b, err := json.Marshal(input)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(trial.InputPath(), b, 0o644))

	return dir, "run-src:0"
}

func TestForkReplaysCheckpointWithOverrides(t *testing.T) {
	dir, trialID := setUpForkSource(t)

	meta, forkTrial, err := Fork(dir, trialID, "1", "fork-1", map[string]any{"temperature": 0.9})
	require.NoError(t, err)
	require.Equal(t, ReplayExact, meta.ReplayGrade)
	require.Equal(t, FallbackExact, meta.FallbackMode)
	require.Equal(t, trialID, meta.SourceTrialID)

	raw, err := os.ReadFile(forkTrial.InputPath())
	require.NoError(t, err)
	var merged map[string]any
	require.NoError(t, json.Unmarshal(raw, &merged))
	bindings, ok := merged["bindings"].(map[string]any)
	require.True(t, ok, "forked input should carry a bindings map")
	require.Equal(t, 0.9, bindings["temperature"])
}

func TestForkFallsBackColdWithoutCheckpoints(t *testing.T) {
	dir, err := rundir.Create(t.TempDir(), "run-nocp")
	require.NoError(t, err)
	trial := dir.Trial("run-nocp:0")
	require.NoError(t, trial.Ensure())
	log, err := eventlog.Open(trial.EventsPath())
	require.NoError(t, err)
	_, err = log.Append(`{"ts":"2026-01-01T00:00:00Z","kind":"trial.started","trial_id":"run-nocp:0"}`)
	require.NoError(t, err)
	log.Close()
	require.NoError(t, os.WriteFile(trial.InputPath(), []byte(`{"trial_id":"run-nocp:0"}`), 0o644))

	meta, _, err := Fork(dir, "run-nocp:0", "0", "fork-2", nil)
	require.NoError(t, err)
	require.Equal(t, FallbackCold, meta.FallbackMode)
	require.Equal(t, ReplayCold, meta.ReplayGrade)
}
