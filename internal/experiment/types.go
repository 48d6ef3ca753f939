// Package experiment defines the resolved-experiment data model and the
// builder that merges a baseline, variant plan, and overrides into an
// immutable, digested ResolvedExperiment.
package experiment

// Comparison is the statistical comparison policy of an experiment.
type Comparison string

const (
	ComparisonPaired   Comparison = "paired"
	ComparisonUnpaired Comparison = "unpaired"
	ComparisonNone     Comparison = "none"
)

// Scheduling is the slot-ordering policy.
type Scheduling string

const (
	SchedulingVariantSequential  Scheduling = "variant_sequential"
	SchedulingPairedInterleaved Scheduling = "paired_interleaved"
)

// NetworkPolicy is the sandbox network mode for container trials.
type NetworkPolicy string

const (
	NetworkNone             NetworkPolicy = "none"
	NetworkFull             NetworkPolicy = "full"
	NetworkAllowlistEnforced NetworkPolicy = "allowlist_enforced"
)

// Dataset identifies the task source for a resolved experiment.
type Dataset struct {
	SuiteID       string `json:"suite_id"`
	Provider      string `json:"provider"`
	Path          string `json:"path"`
	SchemaVersion string `json:"schema_version"`
	Split         string `json:"split"`
	Limit         int    `json:"limit,omitempty"`
}

// Design carries the experiment's statistical and scheduling policy.
type Design struct {
	Comparison     Comparison `json:"comparison"`
	Scheduling     Scheduling `json:"scheduling"`
	Replications   int        `json:"replications"`
	RandomSeed     int64      `json:"random_seed"`
	ShuffleTasks   bool       `json:"shuffle_tasks"`
	MaxConcurrency int        `json:"max_concurrency"`
}

// VariantBinding names one experiment variant and its knob bindings.
type VariantBinding struct {
	VariantID string         `json:"variant_id"`
	Bindings  map[string]any `json:"bindings"`
}

// SandboxPolicy describes the container isolation applied to a trial.
type SandboxPolicy struct {
	ReadOnlyRoot       bool          `json:"read_only_root"`
	NonRootUser        bool          `json:"non_root_user"`
	DropCapabilities   []string      `json:"drop_capabilities"`
	NoNewPrivileges    bool          `json:"no_new_privileges"`
	CPULimit           float64       `json:"cpu_limit,omitempty"`
	MemoryLimitMB      int64         `json:"memory_limit_mb,omitempty"`
	NetworkMode        NetworkPolicy `json:"network_mode"`
	NetworkAllowlist   []string      `json:"network_allowlist,omitempty"`
}

// Runtime describes how each trial's harness process is invoked.
type Runtime struct {
	AgentCommand []string      `json:"agent_command"`
	Image        string        `json:"image,omitempty"`
	NetworkMode  NetworkPolicy `json:"network_mode"`
	Sandbox      SandboxPolicy `json:"sandbox"`
	TimeoutMS    int64         `json:"timeout_ms"`
}

// Validity flags that change run/trial failure propagation.
type Validity struct {
	FailOnTrialFailure bool `json:"fail_on_trial_failure"`
	FailOnTimeout      bool `json:"fail_on_timeout"`
	MinSuccessRate     float64 `json:"min_success_rate,omitempty"`
}

// ResolvedExperiment is immutable once digested.
type ResolvedExperiment struct {
	ExperimentID string           `json:"experiment.id"`
	WorkloadType string           `json:"workload_type"`
	Dataset      Dataset          `json:"dataset"`
	Design       Design           `json:"design"`
	Baseline     VariantBinding   `json:"baseline"`
	VariantPlan  []VariantBinding `json:"variant_plan"`
	Runtime      Runtime          `json:"runtime"`
	Validity     Validity         `json:"validity"`
}

// AllVariants returns the baseline followed by the variant plan, in
// fixed tie-break order: baseline first, then variant_plan order. A
// variant_plan entry sharing the baseline's id (permitted by Validate) is
// dropped from its plan position so the baseline appears exactly once.
func (r *ResolvedExperiment) AllVariants() []VariantBinding {
	out := make([]VariantBinding, 0, len(r.VariantPlan)+1)
	out = append(out, r.Baseline)
	for _, v := range r.VariantPlan {
		if v.VariantID == r.Baseline.VariantID {
			continue
		}
		out = append(out, v)
	}
	return out
}

// VariantIDs returns the ordered variant IDs from AllVariants.
func (r *ResolvedExperiment) VariantIDs() []string {
	all := r.AllVariants()
	ids := make([]string, len(all))
	for i, v := range all {
		ids[i] = v.VariantID
	}
	return ids
}

// Task is one row of the dataset file.
type Task struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"-"`
}
