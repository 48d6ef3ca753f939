// Package analysis derives fact tables from a run's committed trials and
// exposes them as a queryable SQL view bundle. Fact derivation is plain
// Go + encoding/json over the JSONL fact files; the embedded columnar
// engine is modernc.org/sqlite (pure Go, CGo-free), loading each JSONL
// table into memory and exposing the view bundle as real SQL views.
package analysis

// TrialFact is one row of facts/trials.jsonl and tables/trials.jsonl:
// the terminal outcome of one committed trial.
type TrialFact struct {
	RunID          string  `json:"run_id"`
	TrialID        string  `json:"trial_id"`
	ScheduleIdx    int     `json:"schedule_idx"`
	VariantID      string  `json:"variant_id"`
	TaskID         string  `json:"task_id"`
	ReplIdx        int     `json:"repl_idx"`
	Status         string  `json:"status"`
	Outcome        string  `json:"outcome,omitempty"`
	ObjectiveName  string  `json:"objective_name,omitempty"`
	ObjectiveValue float64 `json:"objective_value,omitempty"`
}

// MetricLong is one row of tables/metrics_long.jsonl: one metric
// observation for one trial, including a row for the trial's named
// objective alongside its other reported metrics.
type MetricLong struct {
	TrialID    string  `json:"trial_id"`
	VariantID  string  `json:"variant_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
}

// BindingLong is one row of tables/bindings_long.jsonl: one knob binding
// for one variant, flattened for SQL grouping.
type BindingLong struct {
	VariantID string `json:"variant_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// EventCountByTrial is one row of tables/event_counts_by_trial.jsonl.
type EventCountByTrial struct {
	TrialID   string `json:"trial_id"`
	VariantID string `json:"variant_id"`
	Kind      string `json:"kind"`
	Count     int    `json:"count"`
}

// EventCountByVariant is one row of tables/event_counts_by_variant.jsonl,
// summed from EventCountByTrial.
type EventCountByVariant struct {
	VariantID string `json:"variant_id"`
	Kind      string `json:"kind"`
	Count     int    `json:"count"`
}

// VariantSummary is one row of tables/variant_summary.jsonl.
type VariantSummary struct {
	VariantID         string         `json:"variant_id"`
	Total             int            `json:"total"`
	SuccessRate       float64        `json:"success_rate"`
	PrimaryMetricMean float64        `json:"primary_metric_mean"`
	EventCounts       map[string]int `json:"event_counts"`
	Bindings          map[string]any `json:"bindings"`
}

// ViewSet is the named SQL view bundle selected from the experiment's
// design.
type ViewSet string

const (
	ViewSetRegression     ViewSet = "regression"
	ViewSetABTest         ViewSet = "ab_test"
	ViewSetMultiVariant   ViewSet = "multi_variant"
	ViewSetParameterSweep ViewSet = "parameter_sweep"
	ViewSetCoreOnly       ViewSet = "core_only"
)

// ViewContext is written to analysis/duckdb_view_context.json.
type ViewContext struct {
	RunID             string  `json:"run_id"`
	ViewSet           ViewSet `json:"view_set"`
	ComparisonPolicy  string  `json:"comparison_policy"`
	SchedulingPolicy  string  `json:"scheduling_policy"`
}
