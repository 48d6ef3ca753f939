package experiment

import (
	"fmt"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// Validate enforces the structural invariants required of a resolved
// experiment before it is digested: unique non-empty variant ids,
// baseline present in the variant set, and well-formed design fields.
// This is a hand-rolled structural validator rather than a general
// JSON-Schema engine — the "embedded schema" is these Go rules
// themselves, not an externally authored document, so there is no
// JSON-Schema library to ground a validator on (see DESIGN.md).
func Validate(r *ResolvedExperiment) error {
	if r.ExperimentID == "" {
		return fieldErr("/experiment.id", "must not be empty")
	}
	if r.Baseline.VariantID == "" {
		return fieldErr("/baseline/variant_id", "must not be empty")
	}

	seen := map[string]bool{r.Baseline.VariantID: true}
	baselineInPlan := false
	for i, v := range r.VariantPlan {
		if v.VariantID == "" {
			return fieldErr(fmt.Sprintf("/variant_plan/%d/variant_id", i), "must not be empty")
		}
		if v.VariantID == r.Baseline.VariantID {
			baselineInPlan = true
		}
		if seen[v.VariantID] && v.VariantID != r.Baseline.VariantID {
			return fieldErr(fmt.Sprintf("/variant_plan/%d/variant_id", i), fmt.Sprintf("duplicate variant id %q", v.VariantID))
		}
		seen[v.VariantID] = true
	}
	_ = baselineInPlan // baseline need not be duplicated in variant_plan; AllVariants prepends it

	switch r.Design.Comparison {
	case ComparisonPaired, ComparisonUnpaired, ComparisonNone:
	default:
		return fieldErr("/design/comparison", fmt.Sprintf("unknown value %q", r.Design.Comparison))
	}
	switch r.Design.Scheduling {
	case SchedulingVariantSequential, SchedulingPairedInterleaved:
	default:
		return fieldErr("/design/scheduling", fmt.Sprintf("unknown value %q", r.Design.Scheduling))
	}
	if r.Design.Replications < 1 {
		return fieldErr("/design/replications", "must be >= 1")
	}
	if r.Design.MaxConcurrency < 1 {
		return fieldErr("/design/max_concurrency", "must be >= 1")
	}
	if r.Runtime.TimeoutMS <= 0 {
		return fieldErr("/runtime/timeout_ms", "must be positive")
	}
	switch r.Runtime.Sandbox.NetworkMode {
	case NetworkNone, NetworkFull, NetworkAllowlistEnforced, "":
	default:
		return fieldErr("/runtime/sandbox/network_mode", fmt.Sprintf("unknown value %q", r.Runtime.Sandbox.NetworkMode))
	}

	return nil
}

func fieldErr(path, msg string) error {
	return labrerr.Newf(labrerr.ConfigInvalid, "%s: %s", path, msg).WithDetails(map[string]any{"path": path})
}
