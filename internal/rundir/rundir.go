// Package rundir defines the stable on-disk layout of a run directory
// and the helpers that create and address it. A run
// directory is the unit of durability for one executed experiment: every
// other package (runcontrol, executor, analysis) addresses its files
// through a Dir value rather than constructing paths itself.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the top-level run descriptor written once at creation.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Version   string    `json:"version"`
}

// ManifestVersion is the manifest schema version this package writes.
const ManifestVersion = "run_manifest_v1"

// Dir addresses every file and directory in one run's on-disk layout.
type Dir struct {
	Root  string // .lab/runs/<run_id> (or forks/<fork_id> for a fork)
	RunID string
}

// Open returns a Dir rooted at labRoot/runs/runID, without touching disk.
func Open(labRoot, runID string) Dir {
	return Dir{Root: filepath.Join(labRoot, "runs", runID), RunID: runID}
}

// Create materializes the full stable layout under Dir.Root and writes
// manifest.json. It is an error for Root to already exist.
func Create(labRoot, runID string) (Dir, error) {
	d := Open(labRoot, runID)
	if _, err := os.Stat(d.Root); err == nil {
		return Dir{}, fmt.Errorf("rundir: %s already exists", d.Root)
	}

	dirs := []string{
		d.Root,
		d.RuntimeDir(),
		d.TrialsDir(),
		d.FactsDir(),
		d.EvidenceDir(),
		d.ArtifactsDir(),
		d.AnalysisDir(),
		d.AnalysisTablesDir(),
		d.ForksDir(),
		d.DebugBundlesDir(),
	}
	for _, p := range dirs {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return Dir{}, fmt.Errorf("rundir: mkdir %s: %w", p, err)
		}
	}

	manifest := Manifest{RunID: runID, CreatedAt: time.Now().UTC(), Version: ManifestVersion}
	if err := writeJSONAtomic(d.ManifestPath(), manifest); err != nil {
		return Dir{}, err
	}
	return d, nil
}

// Fork returns the Dir for a fork nested under this run's forks/ directory,
// creating its subtree the same way Create does.
func (d Dir) Fork(forkID string) (Dir, error) {
	fd := Dir{Root: filepath.Join(d.ForksDir(), forkID), RunID: forkID}
	dirs := []string{
		fd.Root, fd.RuntimeDir(), fd.TrialsDir(), fd.FactsDir(),
		fd.EvidenceDir(), fd.ArtifactsDir(), fd.AnalysisDir(),
		fd.AnalysisTablesDir(), fd.ForksDir(), fd.DebugBundlesDir(),
	}
	for _, p := range dirs {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return Dir{}, fmt.Errorf("rundir: mkdir %s: %w", p, err)
		}
	}
	return fd, nil
}

func (d Dir) ManifestPath() string            { return filepath.Join(d.Root, "manifest.json") }
func (d Dir) ResolvedExperimentPath() string   { return filepath.Join(d.Root, "resolved_experiment.json") }
func (d Dir) ResolvedExperimentDigestPath() string {
	return filepath.Join(d.Root, "resolved_experiment.digest")
}
func (d Dir) RuntimeDir() string           { return filepath.Join(d.Root, "runtime") }
func (d Dir) RunControlPath() string       { return filepath.Join(d.RuntimeDir(), "run_control.json") }
func (d Dir) TrialsDir() string            { return filepath.Join(d.Root, "trials") }
func (d Dir) FactsDir() string             { return filepath.Join(d.Root, "facts") }
func (d Dir) TrialsFactPath() string       { return filepath.Join(d.FactsDir(), "trials.jsonl") }
func (d Dir) EvidenceDir() string          { return filepath.Join(d.Root, "evidence") }
func (d Dir) EvidenceRecordsPath() string  { return filepath.Join(d.EvidenceDir(), "evidence_records.jsonl") }
func (d Dir) TaskChainStatesPath() string  { return filepath.Join(d.EvidenceDir(), "task_chain_states.jsonl") }
func (d Dir) ArtifactsDir() string         { return filepath.Join(d.Root, "artifacts") }
func (d Dir) AnalysisDir() string          { return filepath.Join(d.Root, "analysis") }
func (d Dir) AnalysisSummaryPath() string  { return filepath.Join(d.AnalysisDir(), "summary.json") }
func (d Dir) AnalysisComparisonsPath() string {
	return filepath.Join(d.AnalysisDir(), "comparisons.json")
}
func (d Dir) AnalysisTablesDir() string { return filepath.Join(d.AnalysisDir(), "tables") }
func (d Dir) AnalysisTablePath(name string) string {
	return filepath.Join(d.AnalysisTablesDir(), name+".jsonl")
}
func (d Dir) LoadDuckDBSQLPath() string {
	return filepath.Join(d.AnalysisTablesDir(), "load_duckdb.sql")
}
func (d Dir) DuckDBViewContextPath() string {
	return filepath.Join(d.AnalysisDir(), "duckdb_view_context.json")
}
func (d Dir) ForksDir() string        { return filepath.Join(d.Root, "forks") }
func (d Dir) DebugBundlesDir() string { return filepath.Join(d.Root, "debug_bundles") }
func (d Dir) DebugBundlePath() string { return filepath.Join(d.DebugBundlesDir(), "bundle.zip") }

// TrialDir addresses the directory and fixed files of one trial.
type TrialDir struct {
	Root string
}

func (d Dir) Trial(trialID string) TrialDir {
	return TrialDir{Root: filepath.Join(d.TrialsDir(), trialID)}
}

func (t TrialDir) Ensure() error { return os.MkdirAll(t.Root, 0o755) }

func (t TrialDir) InputPath() string   { return filepath.Join(t.Root, "trial_input.json") }
func (t TrialDir) OutputPath() string  { return filepath.Join(t.Root, "trial_output.json") }
func (t TrialDir) ControlPath() string { return filepath.Join(t.Root, "trial_control.json") }
func (t TrialDir) EventsPath() string  { return filepath.Join(t.Root, "events.jsonl") }

// ReadManifest loads manifest.json from a run directory.
func ReadManifest(d Dir) (Manifest, error) {
	b, err := os.ReadFile(d.ManifestPath())
	if err != nil {
		return Manifest{}, fmt.Errorf("rundir: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("rundir: decode manifest: %w", err)
	}
	return m, nil
}

// writeJSONAtomic writes v as indented JSON to path via a temp-file-then-
// rename, so a crash mid-write never leaves a partial file observable.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("rundir: marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("rundir: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("rundir: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rundir: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rundir: rename temp for %s: %w", path, err)
	}
	return nil
}

// WriteResolvedExperiment writes resolved_experiment.json and its digest
// sidecar file, atomically.
func WriteResolvedExperiment(d Dir, raw []byte, digest string) error {
	if err := writeBytesAtomic(d.ResolvedExperimentPath(), raw); err != nil {
		return err
	}
	return writeBytesAtomic(d.ResolvedExperimentDigestPath(), []byte(digest))
}

func writeBytesAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("rundir: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("rundir: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rundir: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rundir: rename temp for %s: %w", path, err)
	}
	return nil
}
