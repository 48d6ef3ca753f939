package analysis

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// readJSONL decodes a JSONL fact file written by Materialize into dst,
// which must be a pointer to a slice of the row type.
func readJSONL[T any](path string, dst *[]T) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("analysis: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var row T
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return fmt.Errorf("analysis: decode row in %s: %w", path, err)
		}
		*dst = append(*dst, row)
	}
	return scanner.Err()
}

const engineSchema = `
CREATE TABLE trials (
  run_id TEXT, trial_id TEXT, schedule_idx INTEGER, variant_id TEXT,
  task_id TEXT, repl_idx INTEGER, status TEXT, outcome TEXT,
  objective_name TEXT, objective_value REAL
);
CREATE TABLE metrics_long (
  trial_id TEXT, variant_id TEXT, metric_name TEXT, value REAL
);
CREATE TABLE bindings_long (
  variant_id TEXT, key TEXT, value TEXT
);
CREATE TABLE event_counts_by_trial (
  trial_id TEXT, variant_id TEXT, kind TEXT, count INTEGER
);
CREATE TABLE event_counts_by_variant (
  variant_id TEXT, kind TEXT, count INTEGER
);
CREATE TABLE variant_summary (
  variant_id TEXT, total INTEGER, success_rate REAL, primary_metric_mean REAL
);
`

// OpenEngine loads dir's materialized fact tables (tables/*.jsonl, written
// by Materialize) into an in-memory modernc.org/sqlite database and
// defines the selected view_set's views over them. The tables are
// rebuilt fresh on every open; the on-disk JSONL files remain the
// durable source of truth.
func OpenEngine(dir rundir.Dir) (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("analysis: open engine: %w", err)
	}
	if err := loadEngine(db, dir); err != nil {
		db.Close()
		writeEngineErrorSidecar(dir, err)
		return nil, err
	}
	return db, nil
}

func loadEngine(db *sql.DB, dir rundir.Dir) error {
	if _, err := db.Exec(engineSchema); err != nil {
		return fmt.Errorf("analysis: create schema: %w", err)
	}

	var trials []TrialFact
	if err := readJSONL(dir.AnalysisTablePath("trials"), &trials); err != nil {
		return err
	}
	for _, t := range trials {
		if _, err := db.Exec(`INSERT INTO trials VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.RunID, t.TrialID, t.ScheduleIdx, t.VariantID, t.TaskID, t.ReplIdx,
			t.Status, t.Outcome, t.ObjectiveName, t.ObjectiveValue); err != nil {
			return fmt.Errorf("analysis: insert trials row: %w", err)
		}
	}

	var metrics []MetricLong
	if err := readJSONL(dir.AnalysisTablePath("metrics_long"), &metrics); err != nil {
		return err
	}
	for _, m := range metrics {
		if _, err := db.Exec(`INSERT INTO metrics_long VALUES (?,?,?,?)`,
			m.TrialID, m.VariantID, m.MetricName, m.Value); err != nil {
			return fmt.Errorf("analysis: insert metrics_long row: %w", err)
		}
	}

	var bindings []BindingLong
	if err := readJSONL(dir.AnalysisTablePath("bindings_long"), &bindings); err != nil {
		return err
	}
	for _, b := range bindings {
		if _, err := db.Exec(`INSERT INTO bindings_long VALUES (?,?,?)`, b.VariantID, b.Key, b.Value); err != nil {
			return fmt.Errorf("analysis: insert bindings_long row: %w", err)
		}
	}

	var countsByTrial []EventCountByTrial
	if err := readJSONL(dir.AnalysisTablePath("event_counts_by_trial"), &countsByTrial); err != nil {
		return err
	}
	for _, c := range countsByTrial {
		if _, err := db.Exec(`INSERT INTO event_counts_by_trial VALUES (?,?,?,?)`,
			c.TrialID, c.VariantID, c.Kind, c.Count); err != nil {
			return fmt.Errorf("analysis: insert event_counts_by_trial row: %w", err)
		}
	}

	var countsByVariant []EventCountByVariant
	if err := readJSONL(dir.AnalysisTablePath("event_counts_by_variant"), &countsByVariant); err != nil {
		return err
	}
	for _, c := range countsByVariant {
		if _, err := db.Exec(`INSERT INTO event_counts_by_variant VALUES (?,?,?)`,
			c.VariantID, c.Kind, c.Count); err != nil {
			return fmt.Errorf("analysis: insert event_counts_by_variant row: %w", err)
		}
	}

	var summaries []VariantSummary
	if err := readJSONL(dir.AnalysisTablePath("variant_summary"), &summaries); err != nil {
		return err
	}
	for _, s := range summaries {
		if _, err := db.Exec(`INSERT INTO variant_summary VALUES (?,?,?,?)`,
			s.VariantID, s.Total, s.SuccessRate, s.PrimaryMetricMean); err != nil {
			return fmt.Errorf("analysis: insert variant_summary row: %w", err)
		}
	}

	ctx, err := readViewContext(dir)
	if err != nil {
		return err
	}

	metaSQL := fmt.Sprintf(
		`CREATE VIEW analysis_metadata AS SELECT %s AS run_id, %s AS view_set, %s AS comparison_policy, %s AS scheduling_policy`,
		sqlQuote(ctx.RunID), sqlQuote(string(ctx.ViewSet)), sqlQuote(ctx.ComparisonPolicy), sqlQuote(ctx.SchedulingPolicy))
	if _, err := db.Exec(metaSQL); err != nil {
		return fmt.Errorf("analysis: create analysis_metadata view: %w", err)
	}

	for _, stmt := range viewDefinitions[ctx.ViewSet] {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("analysis: create view: %w", err)
		}
	}
	return nil
}

func sqlQuote(s string) string {
	return "'" + escapeSingleQuotes(s) + "'"
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func readViewContext(dir rundir.Dir) (*ViewContext, error) {
	var ctx ViewContext
	b, err := os.ReadFile(dir.DuckDBViewContextPath())
	if err != nil {
		return nil, fmt.Errorf("analysis: read view context: %w", err)
	}
	if err := json.Unmarshal(b, &ctx); err != nil {
		return nil, fmt.Errorf("analysis: decode view context: %w", err)
	}
	return &ctx, nil
}

// writeEngineErrorSidecar records an engine load failure without
// failing the caller: the JSONL fact tables remain the durable source
// of truth even if the embedded engine can't be brought up.
func writeEngineErrorSidecar(dir rundir.Dir, cause error) {
	path := filepath.Join(dir.AnalysisDir(), "engine_error.log")
	line := fmt.Sprintf("%s engine load failed: %v\n", time.Now().UTC().Format(time.RFC3339), cause)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(line)
}
