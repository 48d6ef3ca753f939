package main

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// cmdPublish zips a run's key documents (manifest, resolved experiment,
// run control, facts, analysis tables) into one bundle file. This only
// covers selecting which files belong in the bundle and writing it out.
func cmdPublish(ctx context.Context, logger *slog.Logger, args []string) (any, error) {
	fs := newFlagSet("publish")
	configPath, labRoot, runID, _ := commonControlFlags(fs)
	outPath := fs.String("out", "", "bundle zip path (defaults to <run>/debug_bundles/bundle.zip)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	dir, _, _, err := openRunStore(*configPath, *labRoot, *runID)
	if err != nil {
		return nil, err
	}

	dest := *outPath
	if dest == "" {
		dest = dir.DebugBundlePath()
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, labrerr.Wrap(labrerr.CommandFailed, "create publish directory", err)
	}

	candidates := []string{
		dir.ManifestPath(),
		dir.ResolvedExperimentPath(),
		dir.ResolvedExperimentDigestPath(),
		dir.RunControlPath(),
		dir.TrialsFactPath(),
	}
	candidates = append(candidates, globOrEmpty(filepath.Join(dir.AnalysisTablesDir(), "*.jsonl"))...)
	candidates = append(candidates, globOrEmpty(filepath.Join(dir.AnalysisDir(), "*.sql"))...)

	included, err := zipFiles(dest, dir.Root, candidates)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": *runID, "bundle": dest, "files": included}, nil
}

func globOrEmpty(pattern string) []string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	return matches
}

func zipFiles(dest, base string, files []string) ([]string, error) {
	out, err := os.Create(dest)
	if err != nil {
		return nil, labrerr.Wrap(labrerr.CommandFailed, "create bundle", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	included := make([]string, 0, len(files))
	for _, path := range files {
		if err := addFileToZip(zw, base, path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, labrerr.Wrap(labrerr.CommandFailed, "add file to bundle: "+path, err)
		}
		rel, _ := filepath.Rel(base, path)
		included = append(included, rel)
	}
	return included, nil
}

func addFileToZip(zw *zip.Writer, base, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	rel, err := filepath.Rel(base, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	w, err := zw.Create(rel)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
