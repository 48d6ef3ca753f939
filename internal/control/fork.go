package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// FallbackMode records how closely a fork located its source checkpoint.
type FallbackMode string

const (
	FallbackExact   FallbackMode = "exact"
	FallbackNearest FallbackMode = "nearest"
	FallbackCold    FallbackMode = "cold"
)

// ForkEvent is one line of a trial's events.jsonl, as written by
// internal/eventlog.Append.
type ForkEvent struct {
	TS      string         `json:"ts"`
	Kind    string         `json:"kind"`
	TrialID string         `json:"trial_id"`
	Head    string         `json:"head"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Checkpoint is a located checkpoint event plus its position.
type Checkpoint struct {
	Event ForkEvent
	Index int
}

// FindCheckpoint locates the checkpoint at or before at (an event index
// like "12" or a payload "label" value) within a trial's events file.
// fallback reports whether the match was exact, nearest, or cold. For an
// index, nearest is the latest checkpoint before it, and cold means no
// checkpoint lies at or before it (or there are none at all). For a label
// with no matching checkpoint, nearest is the latest checkpoint in the file.
func FindCheckpoint(eventsPath, at string) (cp *Checkpoint, fallback FallbackMode, err error) {
	f, err := os.Open(eventsPath)
	if err != nil {
		return nil, FallbackCold, fmt.Errorf("control: open events %s: %w", eventsPath, err)
	}
	defer f.Close()

	targetIdx, isIndex := parseEventIndex(at)

	var checkpoints []Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	idx := 0
	for scanner.Scan() {
		var ev ForkEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil && ev.Kind == "checkpoint" {
			checkpoints = append(checkpoints, Checkpoint{Event: ev, Index: idx})
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, FallbackCold, fmt.Errorf("control: scan events %s: %w", eventsPath, err)
	}

	if len(checkpoints) == 0 {
		return nil, FallbackCold, nil
	}

	for i := len(checkpoints) - 1; i >= 0; i-- {
		c := checkpoints[i]
		if isIndex && c.Index == targetIdx {
			return &c, FallbackExact, nil
		}
		if !isIndex {
			if label, _ := c.Event.Payload["label"].(string); label == at {
				return &c, FallbackExact, nil
			}
		}
	}

	for i := len(checkpoints) - 1; i >= 0; i-- {
		c := checkpoints[i]
		if isIndex && c.Index <= targetIdx {
			return &c, FallbackNearest, nil
		}
	}
	if !isIndex {
		last := checkpoints[len(checkpoints)-1]
		return &last, FallbackNearest, nil
	}

	return nil, FallbackCold, nil
}

func parseEventIndex(at string) (int, bool) {
	idx, err := strconv.Atoi(at)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// ReplayGrade classifies how closely a fork or replay reproduces its
// source.
type ReplayGrade string

const (
	ReplayExact     ReplayGrade = "exact"
	ReplayDivergent ReplayGrade = "divergent"
	ReplayCold      ReplayGrade = "cold"
)

// ForkMetadata is written alongside a fork trial's input, recording the
// source trial, checkpoint, and grading a fork was created from.
type ForkMetadata struct {
	SourceRunID    string       `json:"source_run_id"`
	SourceTrialID  string       `json:"source_trial_id"`
	SourceCheckpoint int        `json:"source_checkpoint"`
	FallbackMode   FallbackMode `json:"fallback_mode"`
	ReplayGrade    ReplayGrade  `json:"replay_grade"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

// Fork replays fromTrialID's checkpoint at or before at into a new trial
// forkID under source's forks/<fork_id>/trials/ directory, merging
// bindingOverrides key by key into the trial input's bindings map and
// recording ForkMetadata.
func Fork(source rundir.Dir, fromTrialID, at, forkID string, bindingOverrides map[string]any) (*ForkMetadata, rundir.TrialDir, error) {
	srcTrial := source.Trial(fromTrialID)

	cp, fallback, err := FindCheckpoint(srcTrial.EventsPath(), at)
	if err != nil {
		return nil, rundir.TrialDir{}, err
	}

	grade := ReplayCold
	switch fallback {
	case FallbackExact:
		grade = ReplayExact
	case FallbackNearest:
		grade = ReplayDivergent
	case FallbackCold:
		grade = ReplayCold
	}

	fd, err := source.Fork(forkID)
	if err != nil {
		return nil, rundir.TrialDir{}, err
	}
	forkTrial := fd.Trial(forkID + ":0")
	if err := forkTrial.Ensure(); err != nil {
		return nil, rundir.TrialDir{}, err
	}

	srcInput, err := os.ReadFile(srcTrial.InputPath())
	if err != nil {
		return nil, rundir.TrialDir{}, fmt.Errorf("control: read source trial input: %w", err)
	}
	var inputDoc map[string]any
	if err := json.Unmarshal(srcInput, &inputDoc); err != nil {
		return nil, rundir.TrialDir{}, fmt.Errorf("control: decode source trial input: %w", err)
	}
	bindings, _ := inputDoc["bindings"].(map[string]any)
	if bindings == nil {
		bindings = map[string]any{}
	}
	for k, v := range bindingOverrides {
		bindings[k] = v
	}
	inputDoc["bindings"] = bindings
	mergedInput, err := json.MarshalIndent(inputDoc, "", "  ")
	if err != nil {
		return nil, rundir.TrialDir{}, fmt.Errorf("control: marshal forked trial input: %w", err)
	}
	if err := os.WriteFile(forkTrial.InputPath(), mergedInput, 0o644); err != nil {
		return nil, rundir.TrialDir{}, fmt.Errorf("control: write forked trial input: %w", err)
	}

	meta := &ForkMetadata{
		SourceRunID:   source.RunID,
		SourceTrialID: fromTrialID,
		FallbackMode:  fallback,
		ReplayGrade:   grade,
		Overrides:     bindingOverrides,
	}
	if cp != nil {
		meta.SourceCheckpoint = cp.Index
	}
	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, rundir.TrialDir{}, fmt.Errorf("control: marshal fork metadata: %w", err)
	}
	if err := os.WriteFile(forkTrial.Root+"/fork_metadata.json", metaRaw, 0o644); err != nil {
		return nil, rundir.TrialDir{}, fmt.Errorf("control: write fork metadata: %w", err)
	}

	return meta, forkTrial, nil
}
