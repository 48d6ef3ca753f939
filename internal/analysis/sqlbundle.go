package analysis

import (
	"fmt"
	"os"

	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// tableNames is every fact table Materialize writes under
// analysis/tables/, in a fixed load order.
var tableNames = []string{
	"trials", "metrics_long", "bindings_long",
	"event_counts_by_trial", "event_counts_by_variant", "variant_summary",
}

// viewDefinitions maps a ViewSet to the extra named views it defines on
// top of the fact tables.
var viewDefinitions = map[ViewSet][]string{
	ViewSetABTest: {
		`CREATE VIEW ab_test AS
  SELECT variant_id, total, success_rate, primary_metric_mean
  FROM variant_summary
  ORDER BY variant_id`,
	},
	ViewSetMultiVariant: {
		`CREATE VIEW multi_variant AS
  SELECT variant_id, total, success_rate, primary_metric_mean
  FROM variant_summary
  ORDER BY primary_metric_mean DESC`,
	},
	ViewSetParameterSweep: {
		`CREATE VIEW parameter_sweep AS
  SELECT b.variant_id, b.key, b.value, v.success_rate, v.primary_metric_mean
  FROM bindings_long b
  JOIN variant_summary v ON v.variant_id = b.variant_id
  ORDER BY b.variant_id, b.key`,
	},
	ViewSetRegression: {
		`CREATE VIEW regression AS
  SELECT trial_id, variant_id, metric_name, value
  FROM metrics_long
  ORDER BY trial_id, metric_name`,
	},
	ViewSetCoreOnly: {},
}

// WriteSQLBundle writes tables/load_duckdb.sql: one comment line per fact
// table naming its JSONL file, a placeholder analysis_metadata view, and
// the view_set's CREATE VIEW statements. The script contains no statements
// that load the JSONL files, its analysis_metadata view carries no run
// values, and the embedded engine (see engine.go) does not execute it.
func WriteSQLBundle(dir rundir.Dir, viewSet ViewSet) error {
	var sql string
	for _, name := range tableNames {
		sql += fmt.Sprintf("-- load %s from tables/%s.jsonl (one JSON object per line)\n", name, name)
	}
	sql += "\nCREATE VIEW analysis_metadata AS\n"
	sql += "  SELECT * FROM (VALUES (1)) AS placeholder; -- placeholder only: no run values\n\n"

	for _, stmt := range viewDefinitions[viewSet] {
		sql += stmt + ";\n\n"
	}

	return os.WriteFile(dir.LoadDuckDBSQLPath(), []byte(sql), 0o644)
}
